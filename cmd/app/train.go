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
	"github.com/nzoschke/genrelab/pkg/labels"
	"github.com/nzoschke/genrelab/pkg/model"
)

var trainCmd = &cobra.Command{
	Use:   "train <dataset>",
	Short: "Train the genre CNN on a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		t := &cfg.Train
		if f.Changed("epochs") {
			t.Epochs, _ = f.GetInt("epochs")
		}
		if f.Changed("lr") {
			t.LearningRate, _ = f.GetFloat64("lr")
		}
		if f.Changed("weight-decay") {
			t.WeightDecay, _ = f.GetFloat64("weight-decay")
		}
		if f.Changed("batch-size") {
			t.BatchSize, _ = f.GetInt("batch-size")
		}
		if f.Changed("patience") {
			t.Patience, _ = f.GetInt("patience")
		}
		if f.Changed("seed") {
			t.Seed, _ = f.GetUint64("seed")
		}
		if f.Changed("out") {
			cfg.Model.Path, _ = f.GetString("out")
		}
		if f.Changed("labels") {
			cfg.Model.Labels, _ = f.GetString("labels")
		}

		opts := trainOptions{}
		opts.val, _ = f.GetString("val")
		opts.test, _ = f.GetString("test")
		opts.checkpointDir, _ = f.GetString("checkpoint-dir")
		opts.csv, _ = f.GetString("csv")
		return runTrain(cmd.Context(), args[0], opts)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [model]",
	Short: "Print the layers of a trained model",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Model.Path
		if len(args) == 1 {
			path = args[0]
		}
		net, err := model.Load(path)
		if err != nil {
			return err
		}
		fmt.Println(renderSummary(net.Summary()))
		return nil
	},
}

func init() {
	trainCmd.Flags().String("val", "", "Validation dataset (default <dataset>_val)")
	trainCmd.Flags().String("test", "", "Optional test dataset evaluated after training")
	trainCmd.Flags().Int("epochs", 50, "Maximum epochs")
	trainCmd.Flags().Float64("lr", 0.0005, "RMSProp learning rate")
	trainCmd.Flags().Float64("weight-decay", 5e-4, "Decoupled weight decay")
	trainCmd.Flags().Int("batch-size", 1, "Examples per optimizer step")
	trainCmd.Flags().Int("patience", 10, "Epochs without val_loss improvement before stopping")
	trainCmd.Flags().Uint64("seed", 0, "Weight init and dropout seed")
	trainCmd.Flags().String("checkpoint-dir", "checkpoints", "Directory for the best checkpoint")
	trainCmd.Flags().String("csv", "training.csv", "Per-epoch metrics log")
	trainCmd.Flags().String("out", "genre_model.msgpack", "Trained model output")
	trainCmd.Flags().String("labels", "genre_labels.json", "Label registry written by the dataset command")
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(inspectCmd)
}

type trainOptions struct {
	val           string
	test          string
	checkpointDir string
	csv           string
}

func runTrain(ctx context.Context, trainPath string, opts trainOptions) error {
	if opts.val == "" {
		opts.val = valPath(trainPath)
	}

	reg, err := labels.Load(cfg.Model.Labels)
	if err != nil {
		return err
	}
	train, err := dataset.Load(trainPath)
	if err != nil {
		return err
	}
	val, err := dataset.Load(opts.val)
	if err != nil {
		return err
	}
	slog.Info("datasets loaded", "train", train.Len(), "val", val.Len(), "genres", reg.Len())

	net, err := model.New(model.GenreNet(reg.Len()), cfg.Train.Seed)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.checkpointDir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	ckpt := model.NewCheckpoint(filepath.Join(opts.checkpointDir, "best_model.msgpack"))
	ckpt.Logger = slog.Default()
	stopper := model.NewEarlyStopping(cfg.Train.Patience)
	stopper.Logger = slog.Default()

	opt := model.DefaultRMSProp()
	opt.LearningRate = cfg.Train.LearningRate
	opt.WeightDecay = cfg.Train.WeightDecay

	trainer := model.NewTrainer(net, model.TrainConfig{
		Epochs:    cfg.Train.Epochs,
		BatchSize: cfg.Train.BatchSize,
		Seed:      cfg.Train.Seed,
		Optimizer: opt,
	}, ckpt, stopper, model.NewCSVLogger(opts.csv))

	hist, err := trainer.Fit(ctx, train, val)
	if err != nil {
		return err
	}
	slog.Info("training finished", "epochs", len(hist.Epochs), "stopped_early", hist.Stopped)

	if err := model.Save(cfg.Model.Path, net); err != nil {
		return err
	}
	archPath := strings.TrimSuffix(cfg.Model.Path, filepath.Ext(cfg.Model.Path)) + ".json"
	if err := model.WriteArchitecture(archPath, net); err != nil {
		return err
	}
	slog.Info("model written", "path", cfg.Model.Path, "architecture", archPath)

	if opts.test != "" {
		test, err := dataset.Load(opts.test)
		if err != nil {
			return err
		}
		loss, acc, err := trainer.Evaluate(ctx, test)
		if err != nil {
			return err
		}
		fmt.Printf("test loss %.4f, test accuracy %.4f\n", loss, acc)
	}
	return nil
}
