// Package artifacts encodes output images and persists them to the local
// filesystem or an S3-compatible bucket.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"strings"

	"flux_backend/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store persists encoded artifacts and returns where they ended up.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// Artifact is one persisted output.
type Artifact struct {
	Index    int    `json:"index"`
	Location string `json:"location"`
	Format   Format `json:"format"`
	Quality  int    `json:"quality"`
	Upscaled bool   `json:"upscaled"`
}

// Name builds out-<id>-<index>.<ext>, with -upscaled before the extension
// for the returned output.
func Name(predictionID string, index int, format Format, upscaled bool) string {
	suffix := ""
	if upscaled {
		suffix = "-upscaled"
	}
	return fmt.Sprintf("out-%s-%d%s.%s", predictionID, index, suffix, format.Ext())
}

// Save encodes img and writes it to store.
func Save(ctx context.Context, store Store, predictionID string, index int, img image.Image, format Format, quality int, upscaled bool) (Artifact, error) {
	data, err := Encode(img, format, quality)
	if err != nil {
		return Artifact{}, err
	}
	loc, err := store.Put(ctx, Name(predictionID, index, format, upscaled), data, format.ContentType())
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Index: index, Location: loc, Format: format, Quality: quality, Upscaled: upscaled}, nil
}

// ErrInvalidName is returned for names that would escape the store root.
var ErrInvalidName = errors.New("artifacts: invalid artifact name")

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// LocalStore writes artifacts into a directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Dir() string {
	return s.dir
}

// Put writes through a temp file and renames it into place.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	dest := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", dest, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("move %s into place: %w", dest, err)
	}
	return dest, nil
}

// S3Config selects the bucket and, for S3-compatible services, the
// endpoint. Empty credentials fall back to the default AWS chain.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3ConfigFromCore maps process configuration onto S3Config. Keys come
// from the standard AWS environment variables.
func S3ConfigFromCore(cfg *core.Config) S3Config {
	return S3Config{
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

// S3Store uploads artifacts with PutObject.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds the client. A custom endpoint switches to path-style
// addressing.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifacts: S3 bucket is required")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Put uploads data under prefix/name and returns an s3:// URI.
func (s *S3Store) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	key := name
	if s.prefix != "" {
		key = path.Join(s.prefix, name)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
