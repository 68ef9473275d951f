// Package blob archives fetched source documents in S3-compatible storage.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/resilience"
)

// Config holds the object store connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive writes documents to a bucket as documents/<id>.json.
type Archive struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New creates an archive. It does not contact the server.
func New(cfg Config, logger *slog.Logger) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, resilience.ValidationError("archive endpoint is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "vecsync-documents"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Archive{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return wrap("bucket_exists", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return wrap("make_bucket", err)
	}
	a.logger.Info("created archive bucket", "bucket", a.bucket)
	return nil
}

// PutDocument stores the document, overwriting any previous copy.
func (a *Archive) PutDocument(ctx context.Context, doc *models.SourceDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, ObjectName(doc.ID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return wrap("put_document", err)
	}
	a.logger.Debug("archived document", "document_id", doc.ID, "bytes", len(data))
	return nil
}

// GetDocument reads an archived document back.
func (a *Archive) GetDocument(ctx context.Context, id string) (*models.SourceDocument, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, ObjectName(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap("get_document", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, wrap("get_document", err)
	}
	var doc models.SourceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode archived document %s: %w", id, err)
	}
	return &doc, nil
}

// ObjectName returns the object key of a document.
func ObjectName(id string) string {
	return "documents/" + id + ".json"
}

func wrap(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	return &resilience.ServiceError{Service: "archive", Op: op, StatusCode: resp.StatusCode, Err: err}
}
