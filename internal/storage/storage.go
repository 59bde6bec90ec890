// Package storage keeps uploaded image blobs on local disk under random
// names, decoupled from the user-supplied file names recorded in the
// database.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/wavelink-chat/wavelink/internal/apperrors"
)

// allowedTypes maps accepted image content types to their file extensions.
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type Store struct {
	dir     string
	maxSize int64
}

func New(dir string, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Unavailable("failed to create storage directory", err)
	}
	return &Store{dir: dir, maxSize: maxSize}, nil
}

// Allowed reports whether contentType is an accepted image type.
func Allowed(contentType string) bool {
	_, ok := allowedTypes[contentType]
	return ok
}

// Save writes a blob under a freshly generated name and returns that name.
// The declared size is checked up front and enforced again while copying.
func (s *Store) Save(contentType string, size int64, r io.Reader) (string, error) {
	ext, ok := allowedTypes[contentType]
	if !ok {
		return "", apperrors.Invalid("only jpeg, png, gif and webp images are allowed")
	}
	if size > s.maxSize {
		return "", apperrors.Invalid(fmt.Sprintf("file exceeds the %d byte limit", s.maxSize))
	}

	storedName := uuid.New().String() + ext
	path := filepath.Join(s.dir, storedName)

	f, err := os.Create(path)
	if err != nil {
		return "", apperrors.Unavailable("failed to store file", err)
	}

	written, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", apperrors.Unavailable("failed to store file", err)
	}
	if written > s.maxSize {
		os.Remove(path)
		return "", apperrors.Invalid(fmt.Sprintf("file exceeds the %d byte limit", s.maxSize))
	}

	return storedName, nil
}

// Path resolves a stored name to its on-disk location. Names containing path
// separators or traversal elements are rejected.
func (s *Store) Path(storedName string) (string, error) {
	if storedName == "" || strings.ContainsAny(storedName, `/\`) || strings.Contains(storedName, "..") {
		return "", apperrors.NotFound("file not found")
	}
	path := filepath.Join(s.dir, storedName)
	if _, err := os.Stat(path); err != nil {
		return "", apperrors.NotFound("file not found")
	}
	return path, nil
}

// PublicURL returns the URL path clients use to fetch the blob.
func (s *Store) PublicURL(storedName string) string {
	return "/api/files/" + storedName
}

// Delete removes a stored blob. Deleting a missing blob is not an error.
func (s *Store) Delete(storedName string) error {
	path, err := s.Path(storedName)
	if err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.Unavailable("failed to delete file", err)
	}
	return nil
}
