package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const diskScheme = "disk://"

type diskMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// DiskStager keeps each object as a data file plus a JSON sidecar under root.
type DiskStager struct {
	root string
}

func NewDiskStager(root string) (*DiskStager, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create staging dir %s: %w", root, err)
	}
	return &DiskStager{root: root}, nil
}

func (s *DiskStager) Put(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()

	f, err := os.CreateTemp(s.root, id+".*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	tmp := f.Name()
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}

	meta, err := json.Marshal(diskMeta{Filename: filename, ContentType: contentType})
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.WriteFile(s.metaPath(id), meta, 0o640); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write staging metadata: %w", err)
	}
	if err := os.Rename(tmp, s.dataPath(id)); err != nil {
		os.Remove(tmp)
		os.Remove(s.metaPath(id))
		return "", fmt.Errorf("failed to publish staging file: %w", err)
	}
	return diskScheme + id, nil
}

func (s *DiskStager) Get(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	id, err := s.parse(ref)
	if err != nil {
		return nil, "", err
	}

	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read staging metadata: %w", err)
	}
	var meta diskMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, "", fmt.Errorf("corrupt staging metadata for %s: %w", ref, err)
	}

	f, err := os.Open(s.dataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to open staging file: %w", err)
	}
	return f, meta.ContentType, nil
}

func (s *DiskStager) Delete(_ context.Context, ref string) error {
	id, err := s.parse(ref)
	if err != nil {
		return err
	}
	dataErr := os.Remove(s.dataPath(id))
	metaErr := os.Remove(s.metaPath(id))
	if errors.Is(dataErr, os.ErrNotExist) && errors.Is(metaErr, os.ErrNotExist) {
		return ErrNotFound
	}
	if dataErr != nil && !errors.Is(dataErr, os.ErrNotExist) {
		return dataErr
	}
	if metaErr != nil && !errors.Is(metaErr, os.ErrNotExist) {
		return metaErr
	}
	return nil
}

func (s *DiskStager) parse(ref string) (string, error) {
	id, ok := strings.CutPrefix(ref, diskScheme)
	if !ok {
		return "", fmt.Errorf("not a disk staging reference: %q", ref)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("malformed staging reference %q: %w", ref, err)
	}
	return id, nil
}

func (s *DiskStager) dataPath(id string) string { return filepath.Join(s.root, id) }
func (s *DiskStager) metaPath(id string) string { return filepath.Join(s.root, id+".json") }
