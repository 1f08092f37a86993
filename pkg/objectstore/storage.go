package objectstore

import (
	"context"
	"io"
)

// Storage abstracts the durable store for extracted submission payloads.
// Implementations return a stable URL for the stored object.
type Storage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}
