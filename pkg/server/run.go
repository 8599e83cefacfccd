package server

import (
	"context"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the server and blocks until SIGINT/SIGTERM or a fatal accept
// error, then shuts down. It returns the fatal error, if any.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve starts the server and blocks until ctx is done, a fatal accept
// error occurs, or Shutdown is called elsewhere. Shutdown has completed
// when Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		if s.gateway != nil {
			_ = s.gateway.Close()
		}
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutdown requested")
	case runErr = <-s.fatal:
		s.log.Error("terminating after fatal listener error", "err", runErr)
	case <-s.done:
	}
	s.Shutdown()
	return runErr
}

// Shutdown gracefully stops the server. Steps, in order: set the shutdown
// flag and close listeners; notify authenticated sessions; close every
// connection; wait for workers up to ShutdownTimeout; stop the metrics
// endpoint; close the gateway. Concurrent and repeated calls block until
// the first one finishes.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		defer close(s.done)
		s.log.Info("shutting down...")

		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.wsServer != nil {
			_ = s.wsServer.Close()
		}

		notified := s.router.BroadcastShutdown()
		closed := s.closeConns()
		s.log.Info("connections closed", "notified", notified, "closed", closed)

		if !s.waitWorkers(s.cfg.ShutdownTimeout) {
			s.log.Warn("workers still running after shutdown timeout", "timeout", s.cfg.ShutdownTimeout)
		}

		if s.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.metricsSrv.Shutdown(ctx)
			cancel()
		}
		if s.gateway != nil {
			if err := s.gateway.Close(); err != nil {
				s.log.Error("close gateway", "err", err)
			}
		}
		s.metrics.LogSummary(s.log)
		s.log.Info("shutdown complete")
	})
	<-s.done
}

// waitWorkers reports whether every worker exited within timeout.
// A non-positive timeout waits indefinitely.
func (s *Server) waitWorkers(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(finished)
	}()
	if timeout <= 0 {
		<-finished
		return true
	}
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}
