package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nzoschke/genrelab/pkg/dataset"
	"github.com/nzoschke/genrelab/pkg/features"
)

var extractCmd = &cobra.Command{
	Use:   "extract <corpus>",
	Short: "Write spectrogram caches next to every audio file in a genre corpus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("policy") {
			cfg.Features.Policy, _ = cmd.Flags().GetString("policy")
		}
		if cmd.Flags().Changed("workers") {
			cfg.Features.Workers, _ = cmd.Flags().GetInt("workers")
		}
		force, _ := cmd.Flags().GetBool("force")
		return runExtract(cmd.Context(), args[0], force)
	},
}

var datasetCmd = &cobra.Command{
	Use:   "dataset <corpus> <out>",
	Short: "Stack cached spectrograms into a shuffled dataset and write the label registry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("labels") {
			cfg.Model.Labels, _ = cmd.Flags().GetString("labels")
		}
		seed, _ := cmd.Flags().GetUint64("seed")
		valFraction, _ := cmd.Flags().GetFloat64("val-fraction")
		return runDataset(cmd.Context(), args[0], args[1], seed, valFraction)
	},
}

func init() {
	extractCmd.Flags().String("policy", "midpoint", "Window policy: midpoint or augment")
	extractCmd.Flags().BoolP("force", "f", false, "Recompute caches even when fresh")
	extractCmd.Flags().Int("workers", 0, "Concurrent files (0 = NumCPU-1)")
	rootCmd.AddCommand(extractCmd)

	datasetCmd.Flags().String("labels", "genre_labels.json", "Label registry output")
	datasetCmd.Flags().Uint64("seed", 0, "Shuffle seed (0 = random)")
	datasetCmd.Flags().Float64("val-fraction", 0, "Also write a validation split of this fraction")
	rootCmd.AddCommand(datasetCmd)
}

func runExtract(ctx context.Context, corpus string, force bool) error {
	policy, err := features.ParsePolicy(cfg.Features.Policy)
	if err != nil {
		return err
	}
	fcfg := features.DefaultConfig()
	fcfg.Policy = policy

	stats, err := features.NewExtractor(fcfg).Preprocess(ctx, corpus, features.PreprocessOptions{
		Workers:  cfg.Features.Workers,
		Force:    force,
		Progress: os.Stderr,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d extracted, %d fresh, %d failed\n", stats.Processed, stats.Skipped, stats.Failed)
	return nil
}

func runDataset(ctx context.Context, corpus, out string, seed uint64, valFraction float64) error {
	ds, reg, err := dataset.Build(ctx, corpus, dataset.Options{Seed: seed, Progress: os.Stderr})
	if err != nil {
		return err
	}
	if err := reg.Save(cfg.Model.Labels); err != nil {
		return err
	}
	slog.Info("labels written", "path", cfg.Model.Labels, "genres", strings.Join(reg.Names(), ","))

	if valFraction == 0 {
		return saveDataset(ds, out)
	}
	train, val, err := ds.Split(valFraction)
	if err != nil {
		return err
	}
	if err := saveDataset(train, out); err != nil {
		return err
	}
	return saveDataset(val, valPath(out))
}

func saveDataset(ds *dataset.Dataset, path string) error {
	if err := ds.Save(path); err != nil {
		return err
	}
	slog.Info("dataset written", "path", path, "examples", ds.Len())
	return nil
}

// valPath returns the companion validation file of a dataset path.
func valPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_val" + ext
}
