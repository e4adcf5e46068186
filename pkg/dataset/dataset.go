// Package dataset stacks cached spectrograms into a shuffled, labelled
// dataset that the trainer iterates in batches.
package dataset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nzoschke/genrelab/pkg/errs"
	"github.com/nzoschke/genrelab/pkg/features"
	"github.com/nzoschke/genrelab/pkg/labels"
)

// Dataset is an ordered set of (features, label) examples of one shape.
// The order is fixed when the dataset is built.
type Dataset struct {
	shape    [3]int
	features [][]float32
	labels   []int
}

// New validates and wraps examples. Every feature slice must hold
// shape[0]*shape[1]*shape[2] values.
func New(shape [3]int, feats [][]float32, lbls []int) (*Dataset, error) {
	if len(feats) != len(lbls) {
		return nil, fmt.Errorf("%d feature rows for %d labels", len(feats), len(lbls))
	}
	size := shape[0] * shape[1] * shape[2]
	for i, f := range feats {
		if len(f) != size {
			return nil, errs.ShapeMismatch(fmt.Sprintf("example %d", i), size, len(f))
		}
	}
	return &Dataset{shape: shape, features: feats, labels: lbls}, nil
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return len(d.labels)
}

// Shape returns the [freq, time, channel] shape of one example.
func (d *Dataset) Shape() [3]int {
	return d.shape
}

// Example returns the features and label of example i.
func (d *Dataset) Example(i int) ([]float32, int) {
	return d.features[i], d.labels[i]
}

// Labels returns the label of every example in order.
func (d *Dataset) Labels() []int {
	return append([]int(nil), d.labels...)
}

// Batch is a run of consecutive examples.
type Batch struct {
	Features [][]float32
	Labels   []int
}

// Batches yields consecutive batches of size examples; the last batch may be
// short. A size below 1 means 1.
func (d *Dataset) Batches(size int) iter.Seq[Batch] {
	if size < 1 {
		size = 1
	}
	return func(yield func(Batch) bool) {
		for start := 0; start < d.Len(); start += size {
			end := min(start+size, d.Len())
			if !yield(Batch{Features: d.features[start:end], Labels: d.labels[start:end]}) {
				return
			}
		}
	}
}

// Split returns the leading (1-fraction) of the examples as a training set
// and the rest as a validation set.
func (d *Dataset) Split(fraction float64) (train, val *Dataset, err error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction %v not in (0, 1)", fraction)
	}
	n := int(float64(d.Len()) * (1 - fraction))
	if n == 0 || n == d.Len() {
		return nil, nil, fmt.Errorf("%d examples are too few to split at %v", d.Len(), fraction)
	}
	train = &Dataset{shape: d.shape, features: d.features[:n], labels: d.labels[:n]}
	val = &Dataset{shape: d.shape, features: d.features[n:], labels: d.labels[n:]}
	return train, val, nil
}

// Options configures Build.
type Options struct {
	Shape    [3]int    // expected example shape; zero means features.DefaultConfig().Shape()
	Seed     uint64    // permutation seed; 0 seeds from the clock
	Progress io.Writer // progress bar destination; nil hides it
	Logger   *slog.Logger
}

// Build walks root, loads every spectrogram cache file, labels it with its
// parent directory and applies one random permutation to the stacked
// examples. The registry is built by the same walk from the genres of the
// loaded examples. Unreadable caches and caches of another shape are logged
// and skipped.
func Build(ctx context.Context, root string, opts Options) (*Dataset, *labels.Registry, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if _, err := os.Stat(root); err != nil {
		return nil, nil, errs.FromFS("build dataset", root, err)
	}

	want := opts.Shape
	if want == ([3]int{}) {
		want = features.DefaultConfig().Shape()
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !features.IsCacheFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, nil, errs.FromFS("build dataset", root, err)
	}

	out := opts.Progress
	if out == nil {
		out = io.Discard
	}
	p := mpb.NewWithContext(ctx, mpb.WithWidth(64), mpb.WithOutput(out))
	bar := p.AddBar(int64(len(paths)),
		mpb.PrependDecorators(
			decor.Name("Loading: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)

	reg := labels.New()
	d := &Dataset{shape: want}
	var failed int
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			p.Wait()
			return nil, nil, err
		}
		bar.Increment()

		c, err := features.ReadCache(path)
		if err != nil {
			failed++
			log.Warn("skipping cache", "path", path, "err", err)
			continue
		}
		if shape := c.Spectrogram.Shape(); shape != want {
			failed++
			log.Warn("skipping cache", "path", path, "err", errs.ShapeMismatch("load", want, shape))
			continue
		}
		d.features = append(d.features, c.Spectrogram.Data)
		d.labels = append(d.labels, reg.Add(labels.Genre(path)))
	}
	p.Wait()

	d.shuffle(opts.Seed)
	log.Info("dataset built", "root", root, "examples", d.Len(), "genres", reg.Len(), "failed", failed)
	return d, reg, nil
}

// shuffle applies one permutation to features and labels jointly.
func (d *Dataset) shuffle(seed uint64) {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	perm := rng.Perm(d.Len())
	feats := make([][]float32, len(perm))
	lbls := make([]int, len(perm))
	for i, j := range perm {
		feats[i] = d.features[j]
		lbls[i] = d.labels[j]
	}
	d.features, d.labels = feats, lbls
}

const fileVersion = 1

type datasetFile struct {
	Version  int         `msgpack:"version"`
	Shape    [3]int      `msgpack:"shape"`
	Labels   []int       `msgpack:"labels"`
	Features [][]float32 `msgpack:"features"`
}

// Save writes the dataset as msgpack.
func (d *Dataset) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.IO("write dataset", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(&datasetFile{Version: fileVersion, Shape: d.shape, Labels: d.labels, Features: d.features}); err != nil {
		return errs.IO("encode dataset", path, err)
	}
	if err := w.Flush(); err != nil {
		return errs.IO("write dataset", path, err)
	}
	if err := f.Close(); err != nil {
		return errs.IO("write dataset", path, err)
	}
	return nil
}

// Load reads a dataset written by Save.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.FromFS("read dataset", path, err)
	}
	defer f.Close()

	var df datasetFile
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&df); err != nil {
		return nil, errs.Decode("read dataset", path, err)
	}
	if df.Version != fileVersion {
		return nil, errs.Decode("read dataset", path, fmt.Errorf("unsupported version %d", df.Version))
	}
	return New(df.Shape, df.Features, df.Labels)
}
