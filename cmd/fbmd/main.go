package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/mtingers/fbmd/internal/config"
	"github.com/mtingers/fbmd/internal/metrics"
	"github.com/mtingers/fbmd/internal/server"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	opts := []fx.Option{
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: log}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			metrics.New,
			server.NewStore,
			server.New,
		),
		fx.Invoke(register),
	}
	if cfg.ShutdownTimeout > 0 {
		// Leave room for the drain before fx gives up on OnStop.
		opts = append(opts, fx.StopTimeout(cfg.ShutdownTimeout+5*time.Second))
	}

	// Run blocks until SIGINT/SIGTERM or a Shutdowner call, and exits
	// non-zero if the server failed.
	fx.New(opts...).Run()
}

// register ties the server's lifetime to the fx application.
func register(lc fx.Lifecycle, sd fx.Shutdowner, srv *server.Server, log *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := srv.Run(ctx); err != nil {
					log.Error("server error", "err", err)
					sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
