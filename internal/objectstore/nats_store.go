// Package objectstore provides a NATS JetStream implementation of the
// core.ObjectStore contract used for final audio artifacts.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsObjectStore stores lesson audio artifacts in a JetStream object
// store bucket. The object key doubles as the public URL handed to the
// persistence layer.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket if needed, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Lesson audio artifacts (%s).", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{bucket: bucketName, store: store}, nil
}

// Upload saves an in-memory object under the given key.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte) error {
	_, err := n.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// UploadFile streams a file from disk under the given key. Final audio
// files can be large; streaming keeps memory use bounded.
func (n *NatsObjectStore) UploadFile(_ context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open '%s' for upload: %w", path, err)
	}

	_, putErr := n.store.Put(&nats.ObjectMeta{Name: key}, file)
	closeErr := file.Close()

	if putErr != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, putErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close '%s' after upload: %w", path, closeErr)
	}

	return nil
}

// Download retrieves an object by key.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}
