// Package docstore persists documents produced by approved actions.
package docstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Document is one file to store.
type Document struct {
	Name        string
	Folder      string
	ContentType string
	Content     []byte
	Metadata    map[string]string
}

// Uploader stores a document and returns its path.
type Uploader interface {
	Upload(ctx context.Context, doc Document) (string, error)
}

// S3API is the subset of the S3 client used by S3Uploader.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores documents in one S3 bucket.
type S3Uploader struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Uploader creates an S3-backed uploader.
func NewS3Uploader(client S3API, bucket, prefix string) (*S3Uploader, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client cannot be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	return &S3Uploader{client: client, bucket: bucket, prefix: prefix}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, doc Document) (string, error) {
	key, err := ObjectKey(u.prefix, doc)
	if err != nil {
		return "", err
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc.Content),
		ContentType: aws.String(contentType),
		Metadata:    doc.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return "s3://" + u.bucket + "/" + key, nil
}

// MemoryUploader keeps documents in memory.
type MemoryUploader struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryUploader creates an empty in-memory uploader.
func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{docs: make(map[string]Document)}
}

func (u *MemoryUploader) Upload(_ context.Context, doc Document) (string, error) {
	key, err := ObjectKey("", doc)
	if err != nil {
		return "", err
	}
	doc.Content = append([]byte(nil), doc.Content...)
	u.mu.Lock()
	u.docs[key] = doc
	u.mu.Unlock()
	return "mem://" + key, nil
}

// Get returns a stored document by key.
func (u *MemoryUploader) Get(key string) (Document, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	doc, ok := u.docs[strings.TrimPrefix(key, "mem://")]
	return doc, ok
}

// ObjectKey builds the storage key for a document. Folder and name are cleaned
// so they cannot escape the prefix.
func ObjectKey(prefix string, doc Document) (string, error) {
	name := path.Base(path.Clean("/" + doc.Name))
	if name == "/" || name == "." {
		return "", fmt.Errorf("document name is required")
	}
	folder := strings.TrimPrefix(path.Clean("/"+doc.Folder), "/")
	parts := make([]string, 0, 3)
	for _, part := range []string{strings.Trim(prefix, "/"), folder, name} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/"), nil
}
