// Package s3 archives dead letters as objects in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"async-dispatch/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStorageClient is the subset of S3 the sink uses.
type ObjectStorageClient interface {
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// DeadLetterSink writes each dead letter to
// {prefix}{yyyy}/{mm}/{dd}/{task_id}-{message_id}.json.
type DeadLetterSink struct {
	client ObjectStorageClient
	bucket string
	prefix string
}

func NewDeadLetterSink(client ObjectStorageClient, bucket, prefix string) *DeadLetterSink {
	return &DeadLetterSink{client: client, bucket: bucket, prefix: prefix}
}

func objectKey(prefix string, dl domain.DeadLetter) string {
	day := dl.FailedAt.UTC().Format("2006/01/02")
	name := fmt.Sprintf("%s-%s.json", dl.Message.Job.TaskID, dl.Message.ID)
	return prefix + path.Join(day, name)
}

func (s *DeadLetterSink) Send(ctx context.Context, dl domain.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	key := objectKey(s.prefix, dl)
	if err := s.client.PutObject(ctx, s.bucket, key, data); err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

type awsS3Wrapper struct {
	client *awss3.Client
}

// NewAWSClient loads the default AWS credential chain for region.
func NewAWSClient(ctx context.Context, region string) (ObjectStorageClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return &awsS3Wrapper{client: awss3.NewFromConfig(cfg)}, nil
}

func (w *awsS3Wrapper) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := w.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

var _ domain.DeadLetterSink = (*DeadLetterSink)(nil)
