package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// GCSStager stores attachments as objects in a single bucket under prefix.
type GCSStager struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStager builds a client from the service account key at credentialsFile,
// or from application default credentials when credentialsFile is empty.
func NewGCSStager(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSStager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStager{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *GCSStager) Put(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	name := path.Join(s.prefix, uuid.NewString())
	obj := s.client.Bucket(s.bucket).Object(name)

	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = map[string]string{"filename": filename}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to copy attachment to GCS object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	return gcsScheme + s.bucket + "/" + name, nil
}

func (s *GCSStager) Get(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	name, err := s.objectName(ref)
	if err != nil {
		return nil, "", err
	}
	rc, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to open GCS object %s: %w", name, err)
	}
	return rc, rc.Attrs.ContentType, nil
}

func (s *GCSStager) Delete(ctx context.Context, ref string) error {
	name, err := s.objectName(ref)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(s.bucket).Object(name).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete GCS object %s: %w", name, err)
	}
	return nil
}

func (s *GCSStager) Close() error {
	return s.client.Close()
}

func (s *GCSStager) objectName(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, gcsScheme+s.bucket+"/")
	if !ok || rest == "" {
		return "", fmt.Errorf("not a staging reference for bucket %s: %q", s.bucket, ref)
	}
	return rest, nil
}
