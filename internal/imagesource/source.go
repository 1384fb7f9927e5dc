package imagesource

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNoImages is returned when a source cannot supply the requested image.
var ErrNoImages = errors.New("no images available")

// Source supplies the images for one collection phase. Acquire returns the
// image bytes for slot index of the current collection cycle; index 0 begins
// a new cycle. Every returned slice must hold decodable pixel data.
type Source interface {
	Acquire(ctx context.Context, index int) ([]byte, error)
}

// DirectorySource serves step-pattern sample images from a dataset directory
// laid out as one subdirectory per enrolled subject. Each collection cycle
// picks one subject directory and serves consecutive samples from it, which
// mimics three observations of the same access event.
type DirectorySource struct {
	root string
	rng  *rand.Rand

	mu      sync.Mutex
	current []string
}

// NewDirectorySource creates a source rooted at dir.
func NewDirectorySource(dir string, seed int64) *DirectorySource {
	return &DirectorySource{
		root: dir,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Acquire implements Source.
func (s *DirectorySource) Acquire(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index == 0 {
		files, err := s.pickSubject()
		if err != nil {
			return nil, err
		}
		s.current = files
	}

	if index < 0 || index >= len(s.current) {
		return nil, fmt.Errorf("%w: slot %d exceeds %d collected samples", ErrNoImages, index, len(s.current))
	}
	return os.ReadFile(s.current[index])
}

func (s *DirectorySource) pickSubject() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading dataset root: %w", err)
	}

	var subjects []string
	for _, entry := range entries {
		if entry.IsDir() {
			subjects = append(subjects, entry.Name())
		}
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("%w: no subject directories under %s", ErrNoImages, s.root)
	}

	subject := subjects[s.rng.Intn(len(subjects))]
	files, err := listImages(filepath.Join(s.root, subject))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: subject %s has no samples", ErrNoImages, subject)
	}

	// Random starting offset so repeated sessions do not always replay the
	// same three samples.
	offset := s.rng.Intn(len(files))
	rotated := make([]string, 0, len(files))
	rotated = append(rotated, files[offset:]...)
	rotated = append(rotated, files[:offset]...)
	return rotated, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading subject directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
