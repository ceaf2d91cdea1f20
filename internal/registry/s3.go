package registry

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"

	"github.com/Brownie44l1/medscan-api/internal/model"
)

// S3 fetches model files mirrored into an S3-compatible bucket under
// <prefix>/<owner>/<family>/<version>/<file>.
type S3 struct {
	store  *localStore
	client *s3.Client
	bucket string
	prefix string
}

var _ model.Fetcher = (*S3)(nil)

func NewS3(ctx context.Context, store *localStore, opts *S3Options) (*S3, error) {
	if opts == nil || opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must be set")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{store: store, client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (s *S3) key(h model.Handle) string {
	return path.Join(s.prefix, h.Owner, h.Family, h.Version, h.File)
}

func (s *S3) Fetch(ctx context.Context, h model.Handle) (model.Artifact, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("model", h.String())

	if artifact, ok, err := s.store.Lookup(ctx, h); err != nil {
		return model.Artifact{}, err
	} else if ok {
		log.V(1).Info("artifact already exists", "path", artifact.Path)
		return artifact, nil
	}

	key := s.key(h)
	log.Info("downloading model", "bucket", s.bucket, "key", key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return model.Artifact{}, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	tmpname, err := s.store.spool(out.Body)
	out.Body.Close()
	if err != nil {
		return model.Artifact{}, fmt.Errorf("save download: %w", err)
	}
	if err := s.store.place(h, tmpname); err != nil {
		os.Remove(tmpname)
		return model.Artifact{}, err
	}

	artifact, err := s.store.verify(h)
	if err != nil {
		return model.Artifact{}, err
	}
	log.Info("model downloaded", "path", artifact.Path, "digest", artifact.Digest.String())
	return artifact, nil
}
