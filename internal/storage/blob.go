package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"argus/pkg/models"
)

// S3API is the subset of the S3 client the blob destination uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// BlobDestination writes one object per event under an hour-partitioned
// key: {prefix}/{YYYY/MM/DD/HH}/{event_id}.json.
type BlobDestination struct {
	name   string
	bucket string
	prefix string
	client S3API
	now    func() time.Time
}

func NewBlobDestination(name, bucket, prefix string, client S3API) *BlobDestination {
	return &BlobDestination{
		name:   name,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: client,
		now:    time.Now,
	}
}

func (d *BlobDestination) Name() string { return d.name }

func (d *BlobDestination) objectKey(eventID string) string {
	partition := d.now().UTC().Format("2006/01/02/15")
	if d.prefix == "" {
		return fmt.Sprintf("%s/%s.json", partition, eventID)
	}
	return fmt.Sprintf("%s/%s/%s.json", d.prefix, partition, eventID)
}

func (d *BlobDestination) Store(ctx context.Context, event *models.Event) (int, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	key := d.objectKey(event.EventID)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return 0, fmt.Errorf("put s3://%s/%s: %w", d.bucket, key, err)
	}
	return len(body), nil
}

func (d *BlobDestination) Ping(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	return err
}

func (d *BlobDestination) Close() error { return nil }
