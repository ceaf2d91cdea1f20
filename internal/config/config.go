// Package config defines service configuration and its loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Brownie44l1/medscan-api/internal/model"
)

// Task keys used in Models.
const (
	BrainTumor          = "brain_tumor"
	Tuberculosis        = "tuberculosis"
	DiabeticRetinopathy = "diabetic_retinopathy"
	MedicalFilter       = "medical_filter"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8000".
	Addr string `koanf:"addr"`

	// MaxUploadBytes caps the multipart body of a prediction request.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`

	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string `koanf:"cors_origins"`

	// CPUOnly keeps inference off the GPU.
	CPUOnly bool `koanf:"cpu_only"`

	// IntraOpThreads bounds ONNX Runtime operator parallelism; 0 keeps its default.
	IntraOpThreads int `koanf:"intra_op_threads"`

	// OnnxRuntimeLib is the path to the ONNX Runtime shared library.
	OnnxRuntimeLib string `koanf:"onnxruntime_lib"`

	// Preload loads every model before the server starts listening.
	Preload bool `koanf:"preload"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	RegistryKind      string        `koanf:"registry_kind"`
	RegistryURL       string        `koanf:"registry_url"`
	RegistryUsername  string        `koanf:"registry_username"`
	RegistryKey       string        `koanf:"registry_key"`
	RegistryFramework string        `koanf:"registry_framework"`
	RegistryTimeout   time.Duration `koanf:"registry_timeout"`

	// CacheDir holds downloaded model artifacts.
	CacheDir string `koanf:"cache_dir"`

	S3Bucket    string `koanf:"s3_bucket"`
	S3Region    string `koanf:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3AccessKey string `koanf:"s3_access_key"`
	S3SecretKey string `koanf:"s3_secret_key"`
	S3Prefix    string `koanf:"s3_prefix"`

	// Models maps task keys to registry handles.
	Models map[string]ModelConfig `koanf:"models"`
}

// ModelConfig locates one model in the registry.
type ModelConfig struct {
	Owner   string `koanf:"owner"`
	Family  string `koanf:"family"`
	Version string `koanf:"version"`
	File    string `koanf:"file"`
	// Digest optionally pins the artifact, e.g. "sha256:...".
	Digest string `koanf:"digest"`
}

func (m ModelConfig) Handle() model.Handle {
	return model.Handle{Owner: m.Owner, Family: m.Family, Version: m.Version, File: m.File}
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		LogLevel:          "info",
		Addr:              ":8000",
		MaxUploadBytes:    10 << 20,
		CORSOrigins:       []string{"*"},
		CPUOnly:           true,
		Preload:           true,
		ShutdownTimeout:   30 * time.Second,
		RegistryKind:      "kaggle",
		RegistryURL:       "https://www.kaggle.com",
		RegistryFramework: "onnx",
		RegistryTimeout:   10 * time.Minute,
		CacheDir:          filepath.Join(os.TempDir(), "medscan-models"),
		S3Region:          "us-east-1",
		Models: map[string]ModelConfig{
			BrainTumor: {
				Owner: "khalednabawi", Family: "brain-tumor-resnet", Version: "v2", File: "resnet_brain_model.onnx",
			},
			Tuberculosis: {
				Owner: "khalednabawi", Family: "tb-chest-prediction", Version: "v1", File: "tb_resnet.onnx",
			},
			DiabeticRetinopathy: {
				Owner: "khalednabawi", Family: "diabetic-retinopathy-resnet", Version: "v1", File: "dr_resnet.onnx",
			},
			MedicalFilter: {
				Owner: "khalednabawi", Family: "medical-image-filter", Version: "v1", File: "medical_filter.onnx",
			},
		},
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("%w: max_upload_bytes must be positive", ErrInvalidConfig)
	case c.IntraOpThreads < 0:
		return fmt.Errorf("%w: intra_op_threads must not be negative", ErrInvalidConfig)
	case c.CacheDir == "":
		return fmt.Errorf("%w: cache_dir must not be empty", ErrInvalidConfig)
	}

	switch c.RegistryKind {
	case "kaggle":
		if c.RegistryURL == "" {
			return fmt.Errorf("%w: registry_url must be set for the kaggle registry", ErrInvalidConfig)
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("%w: s3_bucket must be set for the s3 registry", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown registry_kind %q", ErrInvalidConfig, c.RegistryKind)
	}

	for _, key := range []string{BrainTumor, Tuberculosis, DiabeticRetinopathy, MedicalFilter} {
		m, ok := c.Models[key]
		if !ok {
			return fmt.Errorf("%w: models.%s is missing", ErrInvalidConfig, key)
		}
		if err := m.Handle().Validate(); err != nil {
			return fmt.Errorf("%w: models.%s: %v", ErrInvalidConfig, key, err)
		}
	}
	return nil
}
