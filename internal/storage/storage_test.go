package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wavelink-chat/wavelink/internal/apperrors"
)

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "files"), maxSize)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func TestSaveAndReadBack(t *testing.T) {
	s := newTestStore(t, 1024)
	content := []byte("fake png bytes")

	name, err := s.Save("image/png", int64(len(content)), bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !strings.HasSuffix(name, ".png") {
		t.Errorf("Expected .png suffix, got %q", name)
	}

	path, err := s.Path(name)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read stored file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("Stored content differs from input")
	}

	if url := s.PublicURL(name); url != "/api/files/"+name {
		t.Errorf("Unexpected public URL %q", url)
	}
}

func TestSaveRejectsDisallowedType(t *testing.T) {
	s := newTestStore(t, 1024)

	for _, ct := range []string{"application/pdf", "text/html", "image/svg+xml", ""} {
		if _, err := s.Save(ct, 10, strings.NewReader("x")); !errors.Is(err, apperrors.ErrInvalidOperation) {
			t.Errorf("Expected invalid operation for %q, got %v", ct, err)
		}
	}
}

func TestSaveRejectsOversizedFile(t *testing.T) {
	s := newTestStore(t, 16)

	// Declared size over the limit
	if _, err := s.Save("image/jpeg", 17, strings.NewReader("x")); !errors.Is(err, apperrors.ErrInvalidOperation) {
		t.Errorf("Expected invalid operation for declared oversize, got %v", err)
	}

	// Declared size lies; the copy still enforces the limit
	big := strings.Repeat("a", 32)
	if _, err := s.Save("image/jpeg", 10, strings.NewReader(big)); !errors.Is(err, apperrors.ErrInvalidOperation) {
		t.Errorf("Expected invalid operation for actual oversize, got %v", err)
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	s := newTestStore(t, 1024)

	for _, name := range []string{"../secret", "a/b.png", `a\b.png`, "..", ""} {
		if _, err := s.Path(name); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("Expected not found for %q, got %v", name, err)
		}
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, 1024)

	name, err := s.Save("image/gif", 3, strings.NewReader("gif"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Delete(name); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Path(name); !errors.Is(err, apperrors.ErrNotFound) {
		t.Error("Expected file to be gone after delete")
	}

	// Deleting again is a no-op
	if err := s.Delete(name); err != nil {
		t.Errorf("Expected repeated delete to succeed, got %v", err)
	}
}
