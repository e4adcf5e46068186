// Package labels maps genre names to the dense class indices a model is
// trained on.
package labels

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nzoschke/genrelab/pkg/errs"
	"github.com/nzoschke/genrelab/pkg/features"
)

// DefaultFile is the conventional registry file name.
const DefaultFile = "genre_labels.json"

// Registry is a bijection between genre names and indices in [0, Len()).
// Indices are assigned in insertion order.
type Registry struct {
	names []string
	index map[string]int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{index: map[string]int{}}
}

// Add returns the index of name, assigning the next one if it is new.
func (r *Registry) Add(name string) int {
	if i, ok := r.index[name]; ok {
		return i
	}
	r.index[name] = len(r.names)
	r.names = append(r.names, name)
	return len(r.names) - 1
}

// Index returns the index of name.
func (r *Registry) Index(name string) (int, bool) {
	i, ok := r.index[name]
	return i, ok
}

// Name returns the genre at index i.
func (r *Registry) Name(i int) (string, bool) {
	if i < 0 || i >= len(r.names) {
		return "", false
	}
	return r.names[i], true
}

// Names returns genres in index order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of genres.
func (r *Registry) Len() int {
	return len(r.names)
}

// Build walks a corpus whose directories are named after genres and registers
// every directory that directly contains a spectrogram cache file.
// filepath.WalkDir visits entries in lexical order, so indices follow the
// sorted directory names.
func Build(root string) (*Registry, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, errs.FromFS("build labels", root, err)
	}

	r := New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !features.IsCacheFile(path) {
			return nil
		}
		r.Add(Genre(path))
		return nil
	})
	if err != nil {
		return nil, errs.FromFS("build labels", root, err)
	}
	return r, nil
}

// Genre returns the label of a corpus file: its parent directory name.
func Genre(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// Save writes the registry as a JSON object of name to index.
func (r *Registry) Save(path string) error {
	data, err := json.MarshalIndent(r.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errs.IO("write labels", path, err)
	}
	return nil
}

// Load reads a registry written by Save and checks that its indices are a
// bijection onto [0, n).
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.FromFS("read labels", path, err)
	}

	var index map[string]int
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, errs.Decode("read labels", path, err)
	}

	names := make([]string, len(index))
	for name, i := range index {
		if i < 0 || i >= len(names) || names[i] != "" {
			return nil, errs.Decode("read labels", path, fmt.Errorf("index %d of %q is not a dense bijection", i, name))
		}
		names[i] = name
	}
	return &Registry{names: names, index: index}, nil
}
