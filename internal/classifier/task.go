package classifier

import "github.com/Brownie44l1/medscan-api/internal/model"

// Threshold separates the two labels of a binary classifier. Scores strictly
// above it map to the high label; a score of exactly Threshold maps to the
// low label.
const Threshold = 0.5

// Labels names the two classes of a sigmoid classifier. Keras assigns class
// indices alphabetically from the training directory names, and the sigmoid
// output is the probability of class 1, so High is always the class with
// index 1.
type Labels struct {
	Low  string
	High string
}

// For maps a sigmoid score to its label.
func (l Labels) For(score float32) string {
	if score > Threshold {
		return l.High
	}
	return l.Low
}

// Filter is an admission gate run before the main model.
type Filter struct {
	Model  model.Handle
	Labels Labels
	// Reject is the label that turns an upload away.
	Reject string
}

// Task describes one classification endpoint.
type Task struct {
	// Name is a stable identifier used in logs and metrics.
	Name string
	// Title is the human-readable service name used in health messages.
	Title string
	// Prefix is the URL path prefix the task is mounted under.
	Prefix string
	Model  model.Handle
	Labels Labels
	Filter *Filter
}

// Label tables for the hosted tasks.
var (
	BrainTumorLabels          = Labels{Low: "Brain Tumor", High: "Healthy"}
	TuberculosisLabels        = Labels{Low: "Normal", High: "Tuberculosis"}
	DiabeticRetinopathyLabels = Labels{Low: "DR", High: "No_DR"}
	MedicalFilterLabels       = Labels{Low: "medical", High: "not-medical"}
)

func BrainTumor(h model.Handle) Task {
	return Task{
		Name:   "brain_tumor",
		Title:  "Brain Tumor Detection",
		Prefix: "/Brain-Tumor",
		Model:  h,
		Labels: BrainTumorLabels,
	}
}

func Tuberculosis(h model.Handle) Task {
	return Task{
		Name:   "tuberculosis",
		Title:  "TB Detection",
		Prefix: "/Tuberculosis",
		Model:  h,
		Labels: TuberculosisLabels,
	}
}

// DiabeticRetinopathy gates uploads through the medical image filter before
// grading the retina scan.
func DiabeticRetinopathy(h, filter model.Handle) Task {
	return Task{
		Name:   "diabetic_retinopathy",
		Title:  "Diabetic Retinopathy Detection",
		Prefix: "/Diabetic-Retinopathy",
		Model:  h,
		Labels: DiabeticRetinopathyLabels,
		Filter: &Filter{
			Model:  filter,
			Labels: MedicalFilterLabels,
			Reject: MedicalFilterLabels.High,
		},
	}
}
