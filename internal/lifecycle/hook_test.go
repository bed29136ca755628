package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegister_OnlyOnce(t *testing.T) {
	h := New(nil)
	require.NoError(t, h.Register(func(context.Context) error { return nil }))
	require.ErrorIs(t, h.Register(func(context.Context) error { return nil }), ErrHookRegistered)
}

func TestRun_Idempotent(t *testing.T) {
	h := New(nil)
	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, h.Register(func(context.Context) error {
		calls.Add(1)
		return boom
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.ErrorIs(t, h.Run(context.Background(), "signal"), boom)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
}

func TestRun_WithoutCallback(t *testing.T) {
	require.NoError(t, New(nil).Run(context.Background(), "return"))
}

func TestRun_RecoversCallbackPanic(t *testing.T) {
	h := New(nil)
	require.NoError(t, h.Register(func(context.Context) error { panic("kaboom") }))
	err := h.Run(context.Background(), "return")
	require.ErrorContains(t, err, "kaboom")
}

func TestGuard_FinalizesThenRepanics(t *testing.T) {
	h := New(nil)
	var ran atomic.Bool
	require.NoError(t, h.Register(func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	require.PanicsWithValue(t, "fatal", func() {
		defer h.Guard(context.Background())
		panic("fatal")
	})
	require.True(t, ran.Load())
}
