package classifier

import "errors"

var (
	// ErrInvalidInput marks uploads rejected before inference.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPrediction wraps unexpected failures while running a prediction.
	ErrPrediction = errors.New("prediction failed")
)

// Fixed messages returned to clients for rejected uploads.
const (
	MsgNotAnImage       = "File must be an image"
	MsgNotMedicalImage  = "File is not a valid medical image"
	MsgInvalidImageData = "File is not a readable image"
)
