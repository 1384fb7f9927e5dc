package imagesource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSample(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("sample:"+name), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
}

func TestAcquireServesOneSubjectPerCycle(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"d1.jpg", "d2.jpg", "d3.jpg"} {
		writeSample(t, filepath.Join(root, "ID_1"), name)
	}

	source := NewDirectorySource(root, 1)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		data, err := source.Acquire(ctx, i)
		if err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
		if seen[string(data)] {
			t.Fatalf("slot %d repeated sample %q", i, data)
		}
		seen[string(data)] = true
	}
}

func TestAcquireFailsOnEmptyDataset(t *testing.T) {
	source := NewDirectorySource(t.TempDir(), 1)

	if _, err := source.Acquire(context.Background(), 0); !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
}

func TestAcquireHonorsCanceledContext(t *testing.T) {
	root := t.TempDir()
	writeSample(t, filepath.Join(root, "ID_1"), "d1.jpg")

	source := NewDirectorySource(root, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := source.Acquire(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
