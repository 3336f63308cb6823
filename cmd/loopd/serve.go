package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/loopd/internal/ipc"
	"github.com/austinkregel/local-media/loopd/internal/metrics"
)

func newServeCmd() *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the playback daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, socketPath)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "IPC socket path (default: auto-generated based on UID)")
	return cmd
}

func serve(ctx context.Context, socketPath string) error {
	rt, err := setup(true)
	if err != nil {
		return err
	}
	defer rt.player.Close()
	cfg := rt.configMgr.Get()

	if socketPath == "" {
		socketPath = cfg.SocketPath
	}
	if socketPath == "" {
		socketPath = fmt.Sprintf("/tmp/loopd-%d.sock", os.Getuid())
	}

	if cfg.Metrics.Bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(rt.registry))
		srv := &http.Server{Addr: cfg.Metrics.Bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			rt.log.Info().Str("bind", cfg.Metrics.Bind).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	server := ipc.NewServer(socketPath, rt.configMgr, rt.player, rt.log)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("IPC server error: %w", err)
	}
	return nil
}
