package features

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/nzoschke/genrelab/pkg/audio"
	"github.com/nzoschke/genrelab/pkg/errs"
)

// PreprocessOptions configures a corpus preprocessing run.
type PreprocessOptions struct {
	Workers  int       // 0 means NumCPU-1, at least 2
	Force    bool      // recompute even when the cache is fresh
	Progress io.Writer // progress bar destination; nil hides it
	Logger   *slog.Logger
}

// Stats counts the outcome of a batch job.
type Stats struct {
	Processed int
	Skipped   int
	Failed    int
}

type preprocessResult struct {
	path    string
	skipped bool
	err     error
}

// Preprocess walks root and writes cache files next to every supported audio
// file. Failures are logged and counted without stopping the walk.
func (e *Extractor) Preprocess(ctx context.Context, root string, opts PreprocessOptions) (Stats, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	files, err := collectAudio(root)
	if err != nil {
		return Stats{}, err
	}

	out := opts.Progress
	if out == nil {
		out = io.Discard
	}
	p := mpb.NewWithContext(ctx, mpb.WithWidth(64), mpb.WithOutput(out))
	bar := p.AddBar(int64(len(files)),
		mpb.PrependDecorators(
			decor.Name("Extracting: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)

	w := opts.Workers
	if w <= 0 {
		w = max(runtime.NumCPU()-1, 2)
	}

	jobs := make(chan string, len(files))
	results := make(chan preprocessResult, len(files))

	var wg sync.WaitGroup
	for range w {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if err := ctx.Err(); err != nil {
					results <- preprocessResult{path: path, err: err}
					continue
				}
				skipped, err := e.preprocessFile(ctx, path, opts.Force)
				results <- preprocessResult{path: path, skipped: skipped, err: err}
			}
		}()
	}

	for _, f := range files {
		jobs <- f
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var stats Stats
	for r := range results {
		bar.Increment()
		switch {
		case r.err != nil:
			stats.Failed++
			log.Warn("skipping file", "path", r.path, "err", r.err)
		case r.skipped:
			stats.Skipped++
		default:
			stats.Processed++
		}
	}
	p.Wait()

	log.Info("preprocess done", "root", root, "processed", stats.Processed, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, ctx.Err()
}

// preprocessFile writes the caches of one file and reports whether they
// were already fresh. Caches of windows the policy no longer produces are
// removed.
func (e *Extractor) preprocessFile(ctx context.Context, path string, force bool) (bool, error) {
	sum, err := Checksum(path)
	if err != nil {
		return false, err
	}

	windows, err := e.windows(ctx, path)
	if err != nil {
		return false, err
	}
	if !force && e.fresh(path, windows, sum) {
		return true, nil
	}

	written := map[string]bool{}
	for _, w := range windows {
		spec, err := e.extractWindow(ctx, path, w)
		if err != nil {
			return false, err
		}
		c := &Cache{
			Source:      filepath.Base(path),
			Checksum:    sum,
			Policy:      e.cfg.Policy,
			Window:      w,
			Spectrogram: spec,
		}
		if err := WriteCache(CachePath(path, w), c); err != nil {
			return false, err
		}
		written[w.Name] = true
	}

	for _, name := range augmentNames {
		if written[name] {
			continue
		}
		stale := CachePath(path, Window{Name: name})
		if err := os.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, errs.IO("remove stale cache", stale, err)
		}
	}
	return false, nil
}

// fresh reports whether every window has a cache written from the same
// source bytes under the current policy.
func (e *Extractor) fresh(path string, windows []Window, sum uint64) bool {
	for _, w := range windows {
		c, err := ReadCache(CachePath(path, w))
		if err != nil || c.Checksum != sum || c.Policy != e.cfg.Policy || c.Window != w {
			return false
		}
	}
	return true
}

func collectAudio(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, errs.FromFS("walk corpus", root, err)
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !audio.IsSupported(filepath.Ext(path)) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, errs.FromFS("walk corpus", root, err)
	}
	return files, nil
}
