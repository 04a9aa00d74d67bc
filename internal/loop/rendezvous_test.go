package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRendezvous_ResolveDeliversOnce(t *testing.T) {
	r := NewRendezvous()
	r.Resolve(true)
	r.Resolve(false)
	r.Cancel()

	granted, err := r.Await(context.Background())
	require.NoError(t, err)
	assert.True(t, granted, "first resolution wins")
}

func TestRendezvous_CancelIsNotADenial(t *testing.T) {
	r := NewRendezvous()
	r.Cancel()

	granted, err := r.Await(context.Background())
	assert.ErrorIs(t, err, ErrRendezvousCancelled)
	assert.False(t, granted)
}

func TestRendezvous_AwaitHonorsContext(t *testing.T) {
	r := NewRendezvous()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A late resolve must not panic.
	r.Resolve(true)
}
