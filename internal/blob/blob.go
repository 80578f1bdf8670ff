// Package blob stores files shared in a room.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"roomchat/internal/models"

	"github.com/google/uuid"
)

const (
	MaxSize       = 10 << 20
	MaxNameLength = 100
)

var (
	ErrEmpty    = errors.New("blob: empty file")
	ErrTooLarge = errors.New("blob: file too large")
	ErrType     = errors.New("blob: file type not allowed")
)

var allowedTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"application/pdf":    true,
	"text/plain":         true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

var allowedExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".pdf": true, ".txt": true, ".doc": true, ".docx": true,
}

// Upload is a file picked by a user.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Validate checks size, MIME type and extension.
func Validate(u Upload) error {
	if len(u.Data) == 0 {
		return ErrEmpty
	}
	if len(u.Data) > MaxSize {
		return ErrTooLarge
	}
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(u.MimeType, ";", 2)[0]))
	if !allowedTypes[mime] {
		return fmt.Errorf("%w: %s", ErrType, u.MimeType)
	}
	if !allowedExts[strings.ToLower(filepath.Ext(u.Name))] {
		return fmt.Errorf("%w: %s", ErrType, u.Name)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeName makes name safe for a path segment.
func SanitizeName(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	if len(s) > MaxNameLength {
		s = s[:MaxNameLength]
	}
	return s
}

// Store persists room files.
type Store interface {
	Upload(ctx context.Context, room string, u Upload) (*models.FileRef, error)
	// DeleteRoom removes every file of room and returns how many were removed.
	DeleteRoom(ctx context.Context, room string) (int, error)
}

// Disk keeps files under dir/{room}/ and serves them from baseURL/uploads.
type Disk struct {
	dir     string
	baseURL string
}

var _ Store = (*Disk)(nil)

func NewDisk(dir, baseURL string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Disk{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *Disk) Dir() string { return d.dir }

func (d *Disk) roomDir(room string) (string, error) {
	if room == "" || room != SanitizeName(room) || strings.Trim(room, ".") == "" {
		return "", fmt.Errorf("blob: bad room %q", room)
	}
	return filepath.Join(d.dir, room), nil
}

func (d *Disk) Upload(ctx context.Context, room string, u Upload) (*models.FileRef, error) {
	if err := Validate(u); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := d.roomDir(room)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create room dir: %w", err)
	}

	filename := uuid.NewString() + "-" + SanitizeName(u.Name)
	dest := filepath.Join(dir, filename)
	if err := os.WriteFile(dest, u.Data, 0o644); err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("save file: %w", err)
	}

	return &models.FileRef{
		URL:      d.baseURL + path.Join("/uploads", room, filename),
		MimeType: u.MimeType,
		Name:     u.Name,
	}, nil
}

func (d *Disk) DeleteRoom(ctx context.Context, room string) (int, error) {
	dir, err := d.roomDir(room)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list room files: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("remove room files: %w", err)
	}
	return n, nil
}
