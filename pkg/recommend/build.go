package recommend

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// Scorer returns the raw genre scores of an audio file.
type Scorer interface {
	Scores(ctx context.Context, path string) ([]float32, error)
}

// BuildOptions configures a catalog build.
type BuildOptions struct {
	Workers  int       // 0 means NumCPU
	Progress io.Writer // progress bar destination; nil hides it
	Logger   *slog.Logger
}

// Stats counts the outcome of a catalog build.
type Stats struct {
	Added  int
	Failed int
}

// catalogExts are the file types scanned into a catalog.
var catalogExts = map[string]bool{".mp3": true, ".wav": true}

// Build scores every mp3 and wav file under dir and appends one entry per
// file to store, titled by file name, in lexical path order. Files that fail
// are logged and counted.
func Build(ctx context.Context, dir string, scorer Scorer, store Store, opts BuildOptions) (Stats, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	files, err := collectTracks(dir)
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
			decor.Name("Scoring: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	scores := make([][]float32, len(files))
	failures := make([]error, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			defer bar.Increment()
			if err := gctx.Err(); err != nil {
				return err
			}
			scores[i], failures[i] = scorer.Scores(gctx, path)
			return nil
		})
	}
	err = g.Wait()
	p.Wait()
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for i, path := range files {
		if failures[i] != nil {
			stats.Failed++
			log.Warn("skipping track", "path", path, "err", failures[i])
			continue
		}
		if err := store.Append(ctx, Entry{Title: filepath.Base(path), Scores: scores[i]}); err != nil {
			return stats, err
		}
		stats.Added++
	}

	log.Info("catalog built", "dir", dir, "added", stats.Added, "failed", stats.Failed)
	return stats, nil
}

func collectTracks(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errs.FromFS("walk catalog", dir, err)
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && catalogExts[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errs.FromFS("walk catalog", dir, err)
	}
	return files, nil
}
