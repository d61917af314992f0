package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	// registers the sweep-on-connect hook before the broker starts
	di.Sweeper(ctx)

	return &app{
		di: di,
		srv: &http.Server{
			Addr:    di.Config().Addr,
			Handler: di.Router(ctx).Routes(),
		},
	}
}

// Run serves HTTP while the broker manager and the outbox sweeper run
// in the background. The HTTP side never waits for the broker.
func (a *app) Run(ctx context.Context) error {
	defer a.di.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.di.Broker().Run(gctx)
	})

	g.Go(func() error {
		return a.di.Sweeper(ctx).Run(gctx)
	})

	g.Go(func() error {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.di.Config().ShutdownTimeout,
		)
		defer cancel()

		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", slog.String("error", err.Error()))
			return err
		}

		slog.Info("server gracefully stopped")
		return nil
	})

	return g.Wait()
}
