// Package avatar stores user profile images.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MaxBytes caps a single upload.
const MaxBytes = 50 << 20

var (
	ErrUnsupportedType = errors.New("file type not allowed")
	ErrTooLarge        = errors.New("file too large")
)

// allowed maps accepted content types to the stored file extension.
var allowed = map[string]string{
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/png":     ".png",
	"image/svg+xml": ".svg",
}

// Allowed reports whether contentType may be uploaded.
func Allowed(contentType string) bool {
	_, ok := allowed[normalize(contentType)]
	return ok
}

func normalize(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Store persists avatar images and returns the URL they are served from.
type Store interface {
	Save(ctx context.Context, userID, contentType string, r io.Reader) (string, error)
	Delete(ctx context.Context, url string) error
}

// FS keeps avatars in a local directory served under a public URL prefix.
type FS struct {
	dir    string
	prefix string
}

// NewFS creates dir if needed. prefix is the public path the directory is
// mounted at, for example "/uploads/".
func NewFS(dir, prefix string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &FS{dir: dir, prefix: prefix}, nil
}

// Dir is the directory files are written to.
func (s *FS) Dir() string { return s.dir }

// Prefix is the public URL prefix of stored files.
func (s *FS) Prefix() string { return s.prefix }

// Save writes r under a fresh name. A partial file is removed when the
// upload fails or exceeds MaxBytes.
func (s *FS) Save(ctx context.Context, userID, contentType string, r io.Reader) (string, error) {
	ext, ok := allowed[normalize(contentType)]
	if !ok {
		return "", ErrUnsupportedType
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := userID + "-" + uuid.NewString() + ext
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create avatar file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, MaxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > MaxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return s.prefix + name, nil
}

// Delete removes a file previously returned by Save. URLs outside the
// prefix and missing files are ignored.
func (s *FS) Delete(_ context.Context, url string) error {
	name, ok := strings.CutPrefix(url, s.prefix)
	if !ok || name == "" || name != filepath.Base(name) {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete avatar: %w", err)
	}
	return nil
}
