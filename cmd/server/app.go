package main

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/Brownie44l1/medscan-api/internal/classifier"
	"github.com/Brownie44l1/medscan-api/internal/config"
	"github.com/Brownie44l1/medscan-api/internal/model"
	"github.com/Brownie44l1/medscan-api/internal/registry"
)

// modelKeys fixes the order models are listed and pulled in.
var modelKeys = []string{
	config.BrainTumor,
	config.Tuberculosis,
	config.DiabeticRetinopathy,
	config.MedicalFilter,
}

func registryOptions(cfg *config.Config) (*registry.Options, error) {
	opts := registry.DefaultOptions()
	opts.Kind = cfg.RegistryKind
	opts.CacheDir = cfg.CacheDir
	opts.Framework = cfg.RegistryFramework
	opts.Kaggle.BaseURL = cfg.RegistryURL
	opts.Kaggle.Username = cfg.RegistryUsername
	opts.Kaggle.Key = cfg.RegistryKey
	opts.Kaggle.Timeout = cfg.RegistryTimeout
	opts.S3.Bucket = cfg.S3Bucket
	opts.S3.Region = cfg.S3Region
	opts.S3.Endpoint = cfg.S3Endpoint
	opts.S3.AccessKey = cfg.S3AccessKey
	opts.S3.SecretKey = cfg.S3SecretKey
	opts.S3.Prefix = cfg.S3Prefix

	opts.Pins = map[model.Handle]digest.Digest{}
	for key, m := range cfg.Models {
		if m.Digest == "" {
			continue
		}
		d, err := digest.Parse(m.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: models.%s.digest: %v", config.ErrInvalidConfig, key, err)
		}
		opts.Pins[m.Handle()] = d
	}
	return opts, nil
}

// tasks builds the hosted classification tasks from configured handles.
func tasks(cfg *config.Config) []classifier.Task {
	return []classifier.Task{
		classifier.BrainTumor(cfg.Models[config.BrainTumor].Handle()),
		classifier.Tuberculosis(cfg.Models[config.Tuberculosis].Handle()),
		classifier.DiabeticRetinopathy(
			cfg.Models[config.DiabeticRetinopathy].Handle(),
			cfg.Models[config.MedicalFilter].Handle(),
		),
	}
}
