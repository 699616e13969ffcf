package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/coldvault/coldvault/internal/config"
	"github.com/coldvault/coldvault/internal/store/constants"
)

// classMap translates coldvault storage classes to the wire values the
// S3 API expects.
var classMap = map[string]s3types.StorageClass{
	constants.ClassStandard:        s3types.StorageClassStandard,
	constants.ClassGlacierIR:       s3types.StorageClassGlacierIr,
	constants.ClassGlacierFlexible: s3types.StorageClassGlacier,
	constants.ClassDeepArchive:     s3types.StorageClassDeepArchive,
}

type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds a client for the configured endpoint. Static
// credentials take priority; otherwise the default chain applies.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("NewS3Store: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscredentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewS3Store: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, storageClass string) error {
	class, ok := classMap[storageClass]
	if !ok {
		return fmt.Errorf("Put: unknown storage class %q", storageClass)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		StorageClass:  class,
	})
	if err != nil {
		if permanentAPIError(err) {
			return fmt.Errorf("Put: upload %s: %v: %w", key, err, ErrPermanent)
		}
		return fmt.Errorf("Put: upload %s: %w", key, err)
	}
	return nil
}

// permanentAPIError recognizes S3 failures that retrying cannot fix.
func permanentAPIError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"NoSuchBucket", "AllAccessDisabled":
		return true
	}
	return false
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Get: %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("Head: %s: %w", key, err)
	}

	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		StorageClass: normalizeClass(string(out.StorageClass)),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("Delete: %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("List: %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				StorageClass: normalizeClass(string(obj.StorageClass)),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}
	return objects, nil
}

func (s *S3Store) RequestRestore(ctx context.Context, key string, days int) error {
	if days <= 0 {
		days = 7
	}
	_, err := s.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		RestoreRequest: &s3types.RestoreRequest{
			Days: aws.Int32(int32(days)),
			GlacierJobParameters: &s3types.GlacierJobParameters{
				Tier: s3types.TierStandard,
			},
		},
	})
	if err != nil {
		// Re-requesting while a restore is in flight is not an error
		// worth surfacing.
		if strings.Contains(err.Error(), "RestoreAlreadyInProgress") {
			return nil
		}
		return fmt.Errorf("RequestRestore: %s: %w", key, err)
	}
	return nil
}

// RestoreStatus parses the x-amz-restore header. A missing header on a
// cold-class object means no retrieval was ever requested.
func (s *S3Store) RestoreStatus(ctx context.Context, key string) (RestoreState, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("RestoreStatus: %s: %w", key, err)
	}

	restore := aws.ToString(out.Restore)
	switch {
	case strings.Contains(restore, `ongoing-request="true"`):
		return RestoreInProgress, nil
	case strings.Contains(restore, `ongoing-request="false"`):
		return RestoreReady, nil
	}

	switch normalizeClass(string(out.StorageClass)) {
	case constants.ClassGlacierFlexible, constants.ClassDeepArchive:
		return RestoreNotRequested, nil
	}
	return RestoreReady, nil
}

// normalizeClass maps S3 wire values back to coldvault class names.
func normalizeClass(wire string) string {
	switch s3types.StorageClass(wire) {
	case s3types.StorageClassGlacierIr:
		return constants.ClassGlacierIR
	case s3types.StorageClassGlacier:
		return constants.ClassGlacierFlexible
	case s3types.StorageClassDeepArchive:
		return constants.ClassDeepArchive
	case "":
		return constants.ClassStandard
	}
	return constants.ClassStandard
}
