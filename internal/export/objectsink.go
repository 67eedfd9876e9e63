package export

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/i474232898/groundwater-aggregation/internal/metrics"
)

// ObjectSinkConfig locates the bucket run outputs are mirrored to.
type ObjectSinkConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectSink uploads gzip-compressed copies of run outputs to S3-compatible
// storage under runs/<run-id>/<file>.gz.
type ObjectSink struct {
	client *minio.Client
	bucket string
}

// NewObjectSink connects to the object store and creates the bucket if needed.
func NewObjectSink(ctx context.Context, cfg ObjectSinkConfig) (*ObjectSink, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Printf("INFO: created bucket %s", cfg.Bucket)
	}
	return &ObjectSink{client: cli, bucket: cfg.Bucket}, nil
}

// ObjectKey is the key a run output is stored under.
func ObjectKey(runID, name string) string {
	return path.Join("runs", runID, name+".gz")
}

// Upload implements Sink.
func (s *ObjectSink) Upload(ctx context.Context, runID, name string, data []byte) error {
	body, err := gzipBytes(data)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failure").Inc()
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, ObjectKey(runID, name), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:     "text/csv",
		ContentEncoding: "gzip",
		UserMetadata:    map[string]string{"run-id": runID},
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("put %s: %w", name, err)
	}
	metrics.UploadsTotal.WithLabelValues("success").Inc()
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
