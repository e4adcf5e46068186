package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nzoschke/genrelab/pkg/predict"
	"github.com/nzoschke/genrelab/pkg/recommend"
)

var predictCmd = &cobra.Command{
	Use:   "predict <file>...",
	Short: "Print genre scores for audio files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyModelFlags(cmd)
		top, _ := cmd.Flags().GetInt("top")
		return runPredict(cmd.Context(), args, top)
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the recommender catalog",
}

var catalogBuildCmd = &cobra.Command{
	Use:   "build <dir>",
	Short: "Score every mp3 and wav file in a directory into the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyModelFlags(cmd)
		applyCatalogFlags(cmd)
		workers, _ := cmd.Flags().GetInt("workers")
		return runCatalogBuild(cmd.Context(), args[0], workers)
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <file>",
	Short: "List catalog tracks with the closest genre scores",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyModelFlags(cmd)
		applyCatalogFlags(cmd)
		if cmd.Flags().Changed("top") {
			cfg.Catalog.Top, _ = cmd.Flags().GetInt("top")
		}
		return runRecommend(cmd.Context(), args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{predictCmd, catalogBuildCmd, recommendCmd} {
		c.Flags().String("model", "genre_model.msgpack", "Model artifact")
		c.Flags().String("labels", "genre_labels.json", "Label registry")
		c.Flags().String("backend", "native", "Inference backend: native, onnx or tensorflow")
		c.Flags().String("policy", "midpoint", "Window policy the training caches were extracted with")
	}
	for _, c := range []*cobra.Command{catalogBuildCmd, recommendCmd} {
		c.Flags().String("catalog", "recommender.csv", "Catalog file or directory")
		c.Flags().String("store", "csv", "Catalog store: csv or badger")
	}

	predictCmd.Flags().Int("top", 0, "Show only the n best genres (0 = all)")
	rootCmd.AddCommand(predictCmd)

	catalogBuildCmd.Flags().Int("workers", 0, "Concurrent files (0 = NumCPU)")
	catalogCmd.AddCommand(catalogBuildCmd)
	rootCmd.AddCommand(catalogCmd)

	recommendCmd.Flags().Int("top", 5, "Number of recommendations")
	rootCmd.AddCommand(recommendCmd)
}

func applyModelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("model") {
		cfg.Model.Path, _ = f.GetString("model")
	}
	if f.Changed("labels") {
		cfg.Model.Labels, _ = f.GetString("labels")
	}
	if f.Changed("backend") {
		cfg.Model.Backend, _ = f.GetString("backend")
	}
	if f.Changed("policy") {
		cfg.Features.Policy, _ = f.GetString("policy")
	}
}

func applyCatalogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("catalog") {
		cfg.Catalog.Path, _ = f.GetString("catalog")
	}
	if f.Changed("store") {
		cfg.Catalog.Store, _ = f.GetString("store")
	}
}

func runPredict(ctx context.Context, files []string, top int) error {
	p, err := predict.New(cfg.Model, cfg.Features)
	if err != nil {
		return err
	}
	defer p.Close()

	var failed int
	for _, path := range files {
		res, err := p.PredictGenre(ctx, path)
		if err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
			failed++
			continue
		}
		fmt.Println(renderResult(path, res.Top(top)))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func runCatalogBuild(ctx context.Context, dir string, workers int) error {
	p, err := predict.New(cfg.Model, cfg.Features)
	if err != nil {
		return err
	}
	defer p.Close()

	store, err := recommend.Create(cfg.Catalog.Store, cfg.Catalog.Path)
	if err != nil {
		return err
	}
	stats, err := recommend.Build(ctx, dir, p, store, recommend.BuildOptions{
		Workers:  workers,
		Progress: os.Stderr,
	})
	if cerr := store.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d tracks added to %s, %d failed\n", stats.Added, cfg.Catalog.Path, stats.Failed)
	return nil
}

func runRecommend(ctx context.Context, path string) error {
	p, err := predict.New(cfg.Model, cfg.Features)
	if err != nil {
		return err
	}
	defer p.Close()

	query, err := p.Scores(ctx, path)
	if err != nil {
		return err
	}

	store, err := recommend.Open(cfg.Catalog.Store, cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	entries, err := store.Entries(ctx)
	if err != nil {
		return err
	}

	fmt.Println(renderMatches(path, recommend.Recommend(query, entries, cfg.Catalog.Top)))
	return nil
}
