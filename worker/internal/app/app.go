package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type app struct {
	di   *dependencyInjector
	addr string
	srv  *grpc.Server
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	di.Worker(ctx)

	return &app{
		di:   di,
		addr: di.Config().GRPCAddr,
		srv:  di.GRPCServer(),
	}
}

func (a *app) Run(ctx context.Context) error {
	defer a.di.Close()

	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.di.Broker().Run(gctx)
	})

	g.Go(func() error {
		return a.di.Worker(gctx).Run(gctx)
	})

	g.Go(func() error {
		slog.Info("health gRPC service listening", slog.String("addr", a.addr))
		if err := a.srv.Serve(lis); err != nil {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, starting graceful shutdown")
		a.di.Health().Shutdown()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *app) shutdown() error {
	done := make(chan struct{})
	go func() {
		a.srv.GracefulStop()
		close(done)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.di.Config().ShutdownTimeout)
	defer cancel()

	select {
	case <-done:
		slog.Info("gRPC server stopped")
		return nil
	case <-shutdownCtx.Done():
		slog.Warn("graceful stop timed out, forcing stop")
		a.srv.Stop()
		return fmt.Errorf("shutdown timeout exceeded: %w", shutdownCtx.Err())
	}
}
