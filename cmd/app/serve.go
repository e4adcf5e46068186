package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/nzoschke/genrelab/pkg/predict"
	"github.com/nzoschke/genrelab/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the upload form web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyModelFlags(cmd)
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address")
	serveCmd.Flags().String("model", "genre_model.msgpack", "Model artifact")
	serveCmd.Flags().String("labels", "genre_labels.json", "Label registry")
	serveCmd.Flags().String("backend", "native", "Inference backend: native, onnx or tensorflow")
	serveCmd.Flags().String("policy", "midpoint", "Window policy the training caches were extracted with")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	p, err := predict.New(cfg.Model, cfg.Features)
	if err != nil {
		return err
	}
	defer p.Close()

	s := server.New(p, server.YTDLP{Bin: cfg.Server.Fetcher}, server.Options{TempDir: cfg.Server.TempDir, MaxUpload: cfg.Server.MaxUpload})
	return s.Run(ctx, cfg.Server.Addr)
}
