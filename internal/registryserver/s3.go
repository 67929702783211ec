// SPDX-License-Identifier: MPL-2.0

package registryserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/protopm/protopm/pkg/archive"
)

type (
	// S3API is the subset of the S3 client used by S3Storage.
	S3API interface {
		GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
		PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
		ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	}

	// S3Storage keeps objects in a bucket, below an optional key prefix.
	// Create relies on conditional writes (If-None-Match: *), which S3 and
	// most compatible stores honour.
	S3Storage struct {
		client S3API
		bucket string
		prefix string
	}

	// S3Config selects the bucket and endpoint for NewS3Client.
	S3Config struct {
		Bucket    string `json:"bucket"`
		Prefix    string `json:"prefix"`
		Region    string `json:"region"`
		Endpoint  string `json:"endpoint"`
		PathStyle bool   `json:"path_style"`
	}
)

// NewS3Storage returns a storage over client.
func NewS3Storage(client S3API, bucket, prefix string) *S3Storage {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Storage{client: client, bucket: bucket, prefix: prefix}
}

// NewS3Client builds an S3 client from cfg. Credentials come from
// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN and are
// read when the client first signs a request.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			creds := aws.Credentials{
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
				Source:          "environment",
			}
			if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
				return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
			}
			return creds, nil
		})),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Get implements Storage.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || apiErrorCode(err) == "NotFound" {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, archive.MaxArchiveSize+1))
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, nil
}

// Create implements Storage.
func (s *S3Storage) Create(ctx context.Context, key string, data []byte) error {
	contentType := "application/toml"
	if strings.HasSuffix(key, archiveExt) {
		contentType = archive.MediaType
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		switch apiErrorCode(err) {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%s: %w", key, ErrObjectExists)
		}
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// List implements Storage.
func (s *S3Storage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.prefix + strings.TrimSuffix(dir, "/") + "/"
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var names []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", dir, err)
		}
		for _, obj := range page.Contents {
			names = append(names, path.Base(aws.ToString(obj.Key)))
		}
	}
	return names, nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
