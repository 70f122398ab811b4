package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNewLogger confirms both logger configurations build and log.
func TestNewLogger(t *testing.T) {
	t.Parallel()

	for _, development := range []bool{true, false} {
		logger, err := New(development)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("logger ready")
		_ = logger.Sync()
	}
}
