package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. The first signal lets an in-flight upload
// finish and its record be marked; the second is for a hung process.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		// Wait for second signal, then force exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// triggerOnSIGHUP calls trigger for every SIGHUP until ctx is canceled.
// `moodsync sync --now` and a successful login use it to wake a running
// watcher.
func triggerOnSIGHUP(ctx context.Context, trigger func(), logger *slog.Logger) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hupCh)

		for {
			select {
			case <-hupCh:
				logger.Info("received SIGHUP, syncing now")
				trigger()
			case <-ctx.Done():
				return
			}
		}
	}()
}
