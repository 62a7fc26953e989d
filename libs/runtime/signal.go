package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ServeHTTP binds srv.Addr before returning so a taken port fails startup,
// then serves until ctx is done and shuts down within grace. The returned
// channel closes once the server has stopped.
func ServeHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger, grace time.Duration) (<-chan struct{}, error) {
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}
	logger.Info("http server listening", "addr", lis.Addr().String())

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-served:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown incomplete", "err", err)
		}
		<-served
		logger.Info("http server stopped")
	}()
	return done, nil
}

// Drain waits for each named component to close its channel, giving all of
// them together at most grace. Components still running afterwards are
// logged and abandoned.
func Drain(logger *slog.Logger, grace time.Duration, components map[string]<-chan struct{}) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for name, done := range components {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-deadline.C:
			logger.Warn("shutdown grace exceeded", "component", name, "grace", grace.String())
			return
		}
	}
}
