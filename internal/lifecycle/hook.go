package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"DowTracker/internal/logger"
)

// ErrHookRegistered is returned when a second exit hook is registered.
var ErrHookRegistered = errors.New("lifecycle: exit hook already registered")

// Func is the exit callback. It must be safe to call after a normal shutdown.
type Func func(ctx context.Context) error

// Hook holds the single callback run on process exit, whatever the cause:
// signal, normal return or panic.
type Hook struct {
	log *logger.Logger

	mu   sync.Mutex
	fn   Func
	once sync.Once
	err  error
}

func New(log *logger.Logger) *Hook {
	if log == nil {
		log = logger.Nop()
	}
	return &Hook{log: log.With(logger.String("component", "lifecycle"))}
}

// Register installs fn. Only one callback may ever be registered.
func (h *Hook) Register(fn Func) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fn != nil {
		return ErrHookRegistered
	}
	h.fn = fn
	return nil
}

// Run invokes the callback at most once and returns its result on every call.
// A panic inside the callback is converted to an error.
func (h *Hook) Run(ctx context.Context, cause string) error {
	h.once.Do(func() {
		h.mu.Lock()
		fn := h.fn
		h.mu.Unlock()
		if fn == nil {
			return
		}
		h.log.Info("running exit hook", logger.String("cause", cause))
		h.err = h.call(ctx, fn)
		if h.err != nil {
			h.log.Error("exit hook failed", logger.Err(h.err))
		}
	})
	return h.err
}

func (h *Hook) call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exit hook panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Guard runs the hook when the surrounding goroutine panics, then re-panics.
// Use as: defer hook.Guard(ctx).
func (h *Hook) Guard(ctx context.Context) {
	if r := recover(); r != nil {
		h.log.Error("panic, finalizing before exit", logger.Any("panic", r))
		_ = h.Run(context.WithoutCancel(ctx), "panic")
		panic(r)
	}
}
