package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckExpiresAfterDeadline(t *testing.T) {
	mock := clock.NewMock()
	e := New(mock)

	ctx, stop := e.Start(context.Background(), mock.Now().Add(30*time.Second))
	defer stop()

	assert.NoError(t, e.Check())
	assert.NoError(t, Check(ctx))

	mock.Add(29 * time.Second)
	assert.NoError(t, e.Check())

	mock.Add(2 * time.Second)
	assert.ErrorIs(t, e.Check(), ErrExpired)
	assert.ErrorIs(t, Check(ctx), ErrExpired)
	assert.True(t, e.Expired())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after expiry")
	}
	assert.True(t, errors.Is(context.Cause(ctx), ErrExpired))
}

func TestCancelBeforeExpiryIsPermanent(t *testing.T) {
	mock := clock.NewMock()
	e := New(mock)

	ctx, stop := e.Start(context.Background(), mock.Now().Add(time.Second))
	defer stop()

	e.Cancel()
	mock.Add(time.Hour)

	assert.NoError(t, e.Check())
	assert.NoError(t, e.Check())
	assert.NoError(t, Check(ctx))
	assert.False(t, e.Expired())
}

func TestCancelAfterExpiryDoesNotClear(t *testing.T) {
	mock := clock.NewMock()
	e := New(mock)

	_, stop := e.Start(context.Background(), mock.Now().Add(time.Second))
	defer stop()

	mock.Add(2 * time.Second)
	require.ErrorIs(t, e.Check(), ErrExpired)
	e.Cancel()
	assert.ErrorIs(t, e.Check(), ErrExpired)
}

func TestZeroDeadlineIsUnlimited(t *testing.T) {
	mock := clock.NewMock()
	e := New(mock)

	ctx, stop := e.Start(context.Background(), time.Time{})
	defer stop()

	mock.Add(24 * time.Hour)
	assert.NoError(t, e.Check())
	_, ok := e.Deadline()
	assert.False(t, ok)
	assert.NoError(t, ctx.Err())
}

func TestStartResetsPreviousOperation(t *testing.T) {
	mock := clock.NewMock()
	e := New(mock)

	_, stop := e.Start(context.Background(), mock.Now().Add(time.Second))
	mock.Add(2 * time.Second)
	require.ErrorIs(t, e.Check(), ErrExpired)
	stop()

	deadline := mock.Now().Add(time.Minute)
	ctx, stop := e.Start(context.Background(), deadline)
	defer stop()

	assert.NoError(t, e.Check())
	assert.NoError(t, Check(ctx))
	got, ok := e.Deadline()
	assert.True(t, ok)
	assert.Equal(t, deadline, got)
}

func TestStopCancelsDerivedContext(t *testing.T) {
	e := New(clock.NewMock())
	ctx, stop := e.Start(context.Background(), time.Time{})
	stop()

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, Expired(Check(ctx)))
}

func TestCheckWithoutEnforcer(t *testing.T) {
	assert.NoError(t, Check(context.Background()))

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrExpired)
	assert.True(t, Expired(Check(ctx)))
}
