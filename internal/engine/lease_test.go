package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseBrokerSingleFlight(t *testing.T) {
	broker := newLeaseBroker(nil, time.Minute)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		held, err := broker.withLease(ctx, "sandbox:check-renewal", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, held)
	}()

	<-entered

	// A second concurrent caller is turned away immediately: held=false,
	// its body never runs.
	ran := false
	held, err := broker.withLease(ctx, "sandbox:check-renewal", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, held)
	assert.False(t, ran)

	// A different loop key is independent.
	held, err = broker.withLease(ctx, "sandbox:check-transactions", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, held)

	close(release)
	<-done

	// Once released, the key is reusable.
	held, err = broker.withLease(ctx, "sandbox:check-renewal", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, held)
}
