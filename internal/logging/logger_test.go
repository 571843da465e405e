package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsBothEncoders(t *testing.T) {
	for _, dev := range []bool{false, true} {
		logger, err := New(Options{Development: dev})
		require.NoError(t, err)
		require.NotNil(t, logger)
		_ = logger.Sync()
	}
}
