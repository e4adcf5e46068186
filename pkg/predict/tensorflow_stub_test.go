//go:build !tensorflow

package predict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nzoschke/genrelab/pkg/config"
)

func TestTensorFlowUnavailable(t *testing.T) {
	cfg := config.Default().Model
	cfg.Backend = "tensorflow"
	_, err := OpenBackend(cfg)
	assert.ErrorIs(t, err, ErrTensorFlowUnavailable)
}
