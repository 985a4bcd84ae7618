// Package staging stores uploaded attachment bytes and hands back opaque references.
package staging

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("staged object not found")

// Stager persists attachment content. References returned by Put are opaque
// and only meaningful to the Stager that produced them.
type Stager interface {
	Put(ctx context.Context, filename, contentType string, r io.Reader) (string, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, ref string) error
}
