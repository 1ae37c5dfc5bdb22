package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// ErrProgram is returned by MemFlash when a program failure was injected.
var ErrProgram = errors.New("storage: flash program failed")

// Flash is the persisted region backing a Store. Program replaces the
// whole region; implementations must not leave a partially written image
// visible to a later Read.
type Flash interface {
	Read() ([]byte, error)
	Program(image []byte) error
}

// erased returns a region in the erased state.
func erased() []byte {
	b := make([]byte, ImageSize)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// MemFlash is an in-memory Flash, used by tests and the simulator.
type MemFlash struct {
	mu       sync.Mutex
	data     []byte
	fail     int
	programs int
}

// NewMemFlash returns an erased in-memory region.
func NewMemFlash() *MemFlash {
	return &MemFlash{data: erased()}
}

func (f *MemFlash) Read() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...), nil
}

func (f *MemFlash) Program(image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(image) != ImageSize {
		return fmt.Errorf("storage: image is %d bytes, want %d", len(image), ImageSize)
	}
	if f.fail > 0 {
		f.fail--
		return ErrProgram
	}
	f.data = append(f.data[:0], image...)
	f.programs++
	return nil
}

// FailNext makes the next n Program calls fail with ErrProgram and leave
// the region unchanged.
func (f *MemFlash) FailNext(n int) {
	f.mu.Lock()
	f.fail = n
	f.mu.Unlock()
}

// Programs returns the number of successful Program calls.
func (f *MemFlash) Programs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programs
}

// Corrupt flips one bit at off.
func (f *MemFlash) Corrupt(off int) {
	f.mu.Lock()
	f.data[off%len(f.data)] ^= 0x01
	f.mu.Unlock()
}

// FileFlash stores the region in a single file. Program writes a sibling
// temporary file and renames it over the image.
type FileFlash struct {
	fs   afero.Fs
	path string
}

// NewFileFlash returns a Flash backed by path on fs. A missing file reads
// as an erased region.
func NewFileFlash(fs afero.Fs, path string) *FileFlash {
	return &FileFlash{fs: fs, path: path}
}

func (f *FileFlash) Read() ([]byte, error) {
	b, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, os.ErrNotExist) {
		return erased(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: reading %s: %w", f.path, err)
	}
	if len(b) != ImageSize {
		return nil, fmt.Errorf("storage: %s is %d bytes, want %d", f.path, len(b), ImageSize)
	}
	return b, nil
}

func (f *FileFlash) Program(image []byte) error {
	if len(image) != ImageSize {
		return fmt.Errorf("storage: image is %d bytes, want %d", len(image), ImageSize)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := f.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("storage: creating %s: %w", dir, err)
		}
	}

	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, image, 0o600); err != nil {
		return fmt.Errorf("storage: writing %s: %w", tmp, err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		f.fs.Remove(tmp)
		return fmt.Errorf("storage: renaming %s: %w", tmp, err)
	}
	return nil
}
