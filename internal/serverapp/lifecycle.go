package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"relgraph/internal/logging"
)

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack struct {
	items []cleanupItem
}

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	s.items = append(s.items, cleanupItem{name: name, fn: fn})
}

// run calls every cleanup func, newest first, and joins their errors.
func (s *cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		if logger != nil {
			logger.Debug("releasing " + item.name)
		}
		if err := item.fn(ctx); err != nil {
			if logger != nil {
				logger.Warn("cleanup error",
					slog.String("component", item.name),
					slog.String("error", err.Error()),
				)
			}
			errs = append(errs, fmt.Errorf("%s: %w", item.name, err))
		}
	}
	return errors.Join(errs...)
}

// Start launches the HTTP server goroutine. It requires Init to have completed
// and returns the same error channel when called again.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !a.initialized {
		return nil, fmt.Errorf("app is not initialized")
	}
	if !a.started {
		a.serverErrors = startServer(a.cfg, a.logger, a.srv, a.serverAddr)
		a.started = true
	}
	return a.serverErrors, nil
}

// WaitForStop blocks until a signal arrives on stop or the server reports
// an error. A nil serverErrors falls back to the channel returned by Start.
// The reason is "signal" or "server_error".
func (a *App) WaitForStop(stop <-chan os.Signal, serverErrors <-chan error) (string, error) {
	if serverErrors == nil {
		a.stateMu.Lock()
		serverErrors = a.serverErrors
		a.stateMu.Unlock()
	}
	if stop == nil && serverErrors == nil {
		return "", fmt.Errorf("nothing to wait for: no stop or server error channel")
	}

	// Receiving from a nil channel blocks, so a missing source never wins.
	select {
	case err := <-serverErrors:
		if err == nil {
			return "server_error", fmt.Errorf("server stopped unexpectedly")
		}
		return "server_error", fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		if a.logger != nil {
			a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		}
		return "signal", nil
	}
}

// Shutdown releases everything Init acquired. Only the first call does work;
// every call returns its result.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		a.shutdownErr = cleanup.run(ctx, a.logger)
	})
	return a.shutdownErr
}
