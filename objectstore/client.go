// Package objectstore wraps the narrow bucket/key operations the gateway
// needs (GET/PUT/DELETE/COPY/LIST/HEAD) behind a small interface, backed by
// the AWS S3 SDK.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned by Head and Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectSummary is a single entry returned by List or Head.
type ObjectSummary struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client is the object-store contract the gateway's core consumes. It is
// deliberately narrow: GET/PUT/DELETE/COPY/LIST/HEAD, nothing else.
type Client interface {
	Get(ctx context.Context, key string, rangeOffset, rangeLength int64) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	List(ctx context.Context, prefix string) ([]ObjectSummary, error)
	Head(ctx context.Context, key string) (ObjectSummary, bool, error)

	// MarkUploaded records that a PUT has just completed, for the
	// eventual-consistency staleness check on LIST.
	MarkUploaded()
	// LastUploadAt returns the timestamp of the most recent MarkUploaded
	// call across the whole process, or the zero Time if none happened yet.
	LastUploadAt() time.Time
}

// S3Client implements Client against a real S3-compatible bucket.
type S3Client struct {
	api    *s3.Client
	bucket string

	// lastUploadTs is a unix-nano timestamp, updated atomically; it backs
	// LastUploadAt/MarkUploaded and is intentionally process-global: a
	// single monotonic clock visible to every OPENDIR across all sessions.
	lastUploadTs atomic.Int64
}

// NewS3Client loads the default AWS config (env vars, shared config files,
// IMDS) for the given region and returns a client bound to bucket.
func NewS3Client(ctx context.Context, region, bucket string) (*S3Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Client{
		api:    s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// Get issues a ranged GET when rangeLength > 0, otherwise a full-object GET.
func (c *S3Client) Get(ctx context.Context, key string, rangeOffset, rangeLength int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if rangeLength > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rangeOffset, rangeOffset+rangeLength-1))
	}

	out, err := c.api.GetObject(ctx, in)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	return out.Body, nil
}

// Put uploads the full body as a single object. size is advisory
// (ContentLength) - callers always have the buffer fully in hand before
// calling Put.
func (c *S3Client) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	c.MarkUploaded()
	return nil
}

// Delete removes a single key. Deleting a missing key is not an error.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

// Copy duplicates srcKey to dstKey server-side. Callers pair this with a
// Delete of the source to implement RENAME.
func (c *S3Client) Copy(ctx context.Context, srcKey, dstKey string) error {
	if _, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(c.bucket + "/" + srcKey),
	}); err != nil {
		return fmt.Errorf("copy object %q -> %q: %w", srcKey, dstKey, err)
	}
	return nil
}

// List returns every object under prefix, across all pages.
func (c *S3Client) List(ctx context.Context, prefix string) ([]ObjectSummary, error) {
	var out []ObjectSummary
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects prefix %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, summaryFromObject(obj))
		}
	}
	return out, nil
}

// Head reports whether key exists and its summary. It never returns
// ErrNotFound - the bool return communicates absence so callers (the
// credential probe in particular) can treat "not found" as a plain, expected
// outcome rather than an error path.
func (c *S3Client) Head(ctx context.Context, key string) (ObjectSummary, bool, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectSummary{}, false, nil
		}
		return ObjectSummary{}, false, fmt.Errorf("head object %q: %w", key, err)
	}
	summary := ObjectSummary{Key: key}
	if out.ContentLength != nil {
		summary.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		summary.LastModified = *out.LastModified
	}
	return summary, true, nil
}

// MarkUploaded records "now" as the most recent successful upload.
func (c *S3Client) MarkUploaded() {
	c.lastUploadTs.Store(time.Now().UnixNano())
}

// LastUploadAt returns the last MarkUploaded time, or the zero Time.
func (c *S3Client) LastUploadAt() time.Time {
	ts := c.lastUploadTs.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func summaryFromObject(obj types.Object) ObjectSummary {
	s := ObjectSummary{}
	if obj.Key != nil {
		s.Key = *obj.Key
	}
	if obj.Size != nil {
		s.Size = *obj.Size
	}
	if obj.LastModified != nil {
		s.LastModified = *obj.LastModified
	}
	return s
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	return false
}
