package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestServerLifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", func() bool { return true }, zap.NewNop())

	assert.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrServerAlreadyRunning)

	assert.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Stop(context.Background()), ErrServerNotRunning)
}

func TestRegistryIsSingleton(t *testing.T) {
	assert.Same(t, Registry(), Registry())
}
