package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gwi.com/inference-gateway/internal/staging"
	"gwi.com/inference-gateway/internal/store"
)

const octetStream = "application/octet-stream"

// Upload is a file received from the client that has not been validated yet.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

type IntakeConfig struct {
	MaxFiles     int
	MaxBytes     int64
	AllowedTypes []string

	// AllowedExtensions restricts file name extensions when non-empty.
	AllowedExtensions []string
}

// Intake validates uploads as a set and stages them through a Stager.
type Intake struct {
	stager     staging.Stager
	cfg        IntakeConfig
	allowed    map[string]struct{}
	extensions map[string]struct{}
	logger     zerolog.Logger
}

func NewIntake(stager staging.Stager, cfg IntakeConfig, logger zerolog.Logger) *Intake {
	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[baseMediaType(t)] = struct{}{}
	}
	extensions := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, e := range cfg.AllowedExtensions {
		extensions[normalizeExt(e)] = struct{}{}
	}
	return &Intake{
		stager:     stager,
		cfg:        cfg,
		allowed:    allowed,
		extensions: extensions,
		logger:     logger.With().Str("component", "intake").Logger(),
	}
}

// Accept validates every upload and then stages them. Nothing is staged unless
// the whole set is valid, and a staging failure releases whatever was already stored.
func (in *Intake) Accept(ctx context.Context, uploads []Upload) ([]store.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	checked, err := in.Validate(uploads)
	if err != nil {
		return nil, err
	}
	return in.stage(ctx, checked)
}

// Validate enforces the count, size, extension and content type rules. Content is always
// sniffed, and a declared type that disagrees with it is rejected. The returned uploads
// carry their resolved content type.
func (in *Intake) Validate(uploads []Upload) ([]Upload, error) {
	if len(uploads) > in.cfg.MaxFiles {
		return nil, &AttachmentError{Reason: fmt.Sprintf("too many files: %d (max %d)", len(uploads), in.cfg.MaxFiles)}
	}

	checked := make([]Upload, 0, len(uploads))
	for _, u := range uploads {
		if strings.TrimSpace(u.Filename) == "" {
			return nil, &AttachmentError{Reason: "file has no name"}
		}
		if u.Open == nil {
			return nil, &AttachmentError{Filename: u.Filename, Reason: "file content is missing"}
		}
		if u.Size > in.cfg.MaxBytes {
			return nil, &AttachmentError{Filename: u.Filename, Reason: fmt.Sprintf("file is %d bytes, limit is %d", u.Size, in.cfg.MaxBytes)}
		}
		if err := in.checkExtension(u.Filename); err != nil {
			return nil, err
		}

		contentType, err := in.resolveType(u)
		if err != nil {
			return nil, err
		}
		if _, ok := in.allowed[contentType]; !ok {
			return nil, &AttachmentError{Filename: u.Filename, Reason: fmt.Sprintf("content type %s is not allowed", contentType)}
		}
		u.ContentType = contentType
		checked = append(checked, u)
	}
	return checked, nil
}

func (in *Intake) checkExtension(filename string) error {
	if len(in.extensions) == 0 {
		return nil
	}
	ext := normalizeExt(filepath.Ext(filename))
	if _, ok := in.extensions[ext]; !ok || ext == "" {
		return &AttachmentError{Filename: filename, Reason: "file extension is not allowed"}
	}
	return nil
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

func (in *Intake) resolveType(u Upload) (string, error) {
	rc, err := u.Open()
	if err != nil {
		return "", &AttachmentError{Filename: u.Filename, Reason: "file could not be read"}
	}
	defer rc.Close()

	detected, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", &AttachmentError{Filename: u.Filename, Reason: "file could not be read"}
	}

	declared := baseMediaType(u.ContentType)
	if declared == "" || declared == octetStream {
		return baseMediaType(detected.String()), nil
	}
	if !contentMatches(detected, declared) {
		return "", &AttachmentError{
			Filename: u.Filename,
			Reason:   fmt.Sprintf("content is %s, not the declared %s", baseMediaType(detected.String()), declared),
		}
	}
	return declared, nil
}

// contentMatches reports whether sniffed content is consistent with a declared type.
// Sniffing cannot tell text formats apart, so any textual declaration accepts plain text.
func contentMatches(detected *mimetype.MIME, declared string) bool {
	textual := false
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(declared) {
			return true
		}
		if m.Is("text/plain") {
			textual = true
		}
	}
	return textual && isTextual(declared)
}

func isTextual(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/csv",
		"application/javascript", "application/typescript", "application/x-sh":
		return true
	}
	return false
}

func (in *Intake) stage(ctx context.Context, uploads []Upload) ([]store.Attachment, error) {
	attachments := make([]store.Attachment, len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range uploads {
		g.Go(func() error {
			att, err := in.stageOne(gctx, u)
			if err != nil {
				return err
			}
			attachments[i] = att
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var staged []store.Attachment
		for _, a := range attachments {
			if a.StorageRef != "" {
				staged = append(staged, a)
			}
		}
		in.Release(context.WithoutCancel(ctx), staged)
		return nil, err
	}
	return attachments, nil
}

func (in *Intake) stageOne(ctx context.Context, u Upload) (store.Attachment, error) {
	rc, err := u.Open()
	if err != nil {
		return store.Attachment{}, fmt.Errorf("failed to open upload %s: %w", u.Filename, err)
	}
	defer rc.Close()

	cr := &countingReader{r: io.LimitReader(rc, in.cfg.MaxBytes+1)}
	ref, err := in.stager.Put(ctx, u.Filename, u.ContentType, cr)
	if err != nil {
		return store.Attachment{}, fmt.Errorf("failed to stage %s: %w", u.Filename, err)
	}
	if cr.n > in.cfg.MaxBytes {
		if delErr := in.stager.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			in.logger.Warn().Err(delErr).Str("ref", ref).Msg("failed to release oversized upload")
		}
		return store.Attachment{}, &AttachmentError{Filename: u.Filename, Reason: fmt.Sprintf("file exceeds limit of %d bytes", in.cfg.MaxBytes)}
	}

	return store.Attachment{
		Filename:    u.Filename,
		ContentType: u.ContentType,
		Size:        cr.n,
		StorageRef:  ref,
	}, nil
}

// Release deletes staged objects that will not be referenced by a stored message.
func (in *Intake) Release(ctx context.Context, attachments []store.Attachment) {
	for _, a := range attachments {
		if err := in.stager.Delete(ctx, a.StorageRef); err != nil && !errors.Is(err, staging.ErrNotFound) {
			in.logger.Warn().Err(err).Str("ref", a.StorageRef).Msg("failed to release staged attachment")
		}
	}
}

// Load reads staged attachments back for a provider call.
func (in *Intake) Load(ctx context.Context, attachments []store.Attachment) ([]Part, error) {
	parts := make([]Part, 0, len(attachments))
	for _, a := range attachments {
		rc, contentType, err := in.stager.Get(ctx, a.StorageRef)
		if err != nil {
			return nil, fmt.Errorf("failed to read staged %s: %w", a.Filename, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read staged %s: %w", a.Filename, err)
		}
		if contentType == "" {
			contentType = a.ContentType
		}
		parts = append(parts, Part{Filename: a.Filename, ContentType: contentType, Data: data})
	}
	return parts, nil
}

func baseMediaType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	return strings.ToLower(v)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
