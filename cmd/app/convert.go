package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nzoschke/genrelab/pkg/features"
	"github.com/nzoschke/genrelab/pkg/predict"
)

var convertCmd = &cobra.Command{
	Use:   "convert <savedmodel> <onnx>",
	Short: "Convert a Keras SavedModel genre model to ONNX",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opset, _ := cmd.Flags().GetInt("opset")
		verify, _ := cmd.Flags().GetBool("verify")
		return runConvert(cmd.Context(), args[0], args[1], opset, verify)
	},
}

func init() {
	convertCmd.Flags().Int("opset", 17, "ONNX opset")
	convertCmd.Flags().Bool("verify", true, "Run a test inference with ONNX Runtime")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(ctx context.Context, savedModel, out string, opset int, verify bool) error {
	if err := predict.ConvertToONNX(ctx, savedModel, out, opset); err != nil {
		return err
	}
	fmt.Println("wrote", out)
	if !verify {
		return nil
	}

	n, err := predict.VerifyONNX(ctx, out, features.DefaultConfig())
	if err != nil {
		return fmt.Errorf("verify %s: %w", out, err)
	}
	fmt.Printf("verified: %d genre scores per clip\n", n)
	return nil
}
