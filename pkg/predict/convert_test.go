package predict

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzoschke/genrelab/pkg/errs"
)

func TestConvertToONNX(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	err := ConvertToONNX(ctx, filepath.Join(dir, "missing"), filepath.Join(dir, "model.onnx"), 17)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	saved := filepath.Join(dir, "saved_model")
	require.NoError(t, os.Mkdir(saved, 0755))
	t.Setenv("GENRELAB_PYTHON", "false")
	err = ConvertToONNX(ctx, saved, filepath.Join(dir, "model.onnx"), 17)
	assert.ErrorContains(t, err, "conversion failed")
}
