// Package artifact writes pipeline outputs atomically and records their BLAKE3 digests.
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// ErrDigestMismatch is returned when a file no longer matches its recorded digest.
var ErrDigestMismatch = errors.New("artifact digest mismatch")

// File is a pending write. Content becomes visible at Path only on Commit.
type File struct {
	*os.File
	path string
	done bool
}

// Create opens a temporary file next to path, creating parent directories.
func Create(path string) (*File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &File{File: tmp, path: path}, nil
}

// Commit flushes the temporary file and renames it over the destination.
func (f *File) Commit() error {
	if f.done {
		return errors.New("artifact: file already closed")
	}
	f.done = true

	if err := f.Sync(); err != nil {
		f.cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), f.path); err != nil {
		os.Remove(f.Name())
		return err
	}
	return nil
}

// Abort discards the temporary file. It is a no-op after Commit.
func (f *File) Abort() {
	if f.done {
		return
	}
	f.done = true
	f.cleanup()
}

func (f *File) cleanup() {
	f.Close()
	os.Remove(f.Name())
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	f, err := Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return err
	}
	return f.Commit()
}

// Batch stages several files so that none replaces its destination until
// all of them have been written.
type Batch struct {
	files []*File
}

// Stage writes data to a temporary file for path. On error every file staged
// so far is discarded.
func (b *Batch) Stage(path string, data []byte) error {
	f, err := Create(path)
	if err != nil {
		b.Abort()
		return err
	}
	b.files = append(b.files, f)
	if _, err := f.Write(data); err != nil {
		b.Abort()
		return err
	}
	return nil
}

// Commit renames the staged files in order. A failure discards the files not
// yet renamed.
func (b *Batch) Commit() error {
	for i, f := range b.files {
		if err := f.Commit(); err != nil {
			for _, rest := range b.files[i+1:] {
				rest.Abort()
			}
			return fmt.Errorf("commit %s: %w", f.path, err)
		}
	}
	return nil
}

// Abort discards every staged file that has not been committed.
func (b *Batch) Abort() {
	for _, f := range b.files {
		f.Abort()
	}
}

// Digest returns the hex BLAKE3 digest of the file at path.
func Digest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := blake3.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entry is one recorded file.
type Entry struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Manifest records the files produced by one preprocessing run.
type Manifest struct {
	CreatedAt time.Time         `json:"created_at"`
	Params    map[string]string `json:"params,omitempty"`
	Files     map[string]Entry  `json:"files"`
}

// NewManifest returns an empty manifest stamped with the current time.
func NewManifest() *Manifest {
	return &Manifest{
		CreatedAt: time.Now().UTC(),
		Params:    make(map[string]string),
		Files:     make(map[string]Entry),
	}
}

// Add digests the file at path and records it under name.
func (m *Manifest) Add(name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	digest, err := Digest(path)
	if err != nil {
		return err
	}
	m.Files[name] = Entry{Path: path, Digest: digest, Size: info.Size()}
	return nil
}

// Verify recomputes every digest and fails on the first mismatch.
func (m *Manifest) Verify() error {
	for _, name := range m.names() {
		entry := m.Files[name]
		digest, err := Digest(entry.Path)
		if err != nil {
			return fmt.Errorf("verify %s: %w", name, err)
		}
		if digest != entry.Digest {
			return fmt.Errorf("%s (%s): %w", name, entry.Path, ErrDigestMismatch)
		}
	}
	return nil
}

// Fingerprint combines all file digests into one stable identifier.
func (m *Manifest) Fingerprint() string {
	h := blake3.New()
	for _, name := range m.names() {
		io.WriteString(h, name+"\x00"+m.Files[name].Digest+"\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manifest) names() []string {
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes the manifest as JSON.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if m.Files == nil {
		m.Files = make(map[string]Entry)
	}
	return &m, nil
}
