package service

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// ObjectStore holds chunk payload bytes. The database rows only carry
// object names; this is where the audio actually lives.
type ObjectStore interface {
	PutChunk(ctx context.Context, objectName string, payload []byte) error
	GetChunk(ctx context.Context, objectName string) ([]byte, error)
	RemoveChunk(ctx context.Context, objectName string) error
}

type minioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioObjectStore wraps a MinIO client as the relay's payload store.
func NewMinioObjectStore(client *minio.Client, bucket string) ObjectStore {
	return &minioStore{client: client, bucket: bucket}
}

func (s *minioStore) PutChunk(ctx context.Context, objectName string, payload []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "audio/wav"})
	return err
}

func (s *minioStore) GetChunk(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (s *minioStore) RemoveChunk(ctx context.Context, objectName string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}
