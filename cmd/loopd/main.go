// Package main is the entry point for loopd.
// loopd plays intro/loop/exit programs gaplessly, either as a headless daemon
// driven over IPC or as a foreground player.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/loopd/internal/audio"
	"github.com/austinkregel/local-media/loopd/internal/config"
	"github.com/austinkregel/local-media/loopd/internal/decode"
	"github.com/austinkregel/local-media/loopd/internal/logging"
	"github.com/austinkregel/local-media/loopd/internal/media"
	"github.com/austinkregel/local-media/loopd/internal/metrics"
	"github.com/austinkregel/local-media/loopd/internal/player"
	"github.com/austinkregel/local-media/loopd/internal/scheduler"
)

// Version is set at build time via ldflags
var Version = "dev"

var configDir string

func main() {
	root := &cobra.Command{
		Use:           "loopd",
		Short:         "Gapless intro/loop/exit audio player",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "Configuration directory (default: <user config dir>/loopd)")

	root.AddCommand(newServeCmd(), newPlayCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loopd: %v\n", err)
		os.Exit(1)
	}
}

// runtime is everything both commands need to play audio.
type runtime struct {
	configMgr *config.Manager
	log       zerolog.Logger
	registry  *prometheus.Registry
	player    *player.Player
}

func setup(withSession bool) (*runtime, error) {
	dir := configDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		dir = filepath.Join(base, "loopd")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	configMgr := config.NewManager(dir)
	if err := configMgr.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	logger := logging.Setup(cfg.Environment)
	logger.Info().Str("version", Version).Str("config", configMgr.GetPath()).Msg("loopd starting")

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	output, err := audio.NewOtoOutput(cfg.Audio.SampleRate, cfg.Audio.BufferSize())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio output: %w", err)
	}
	loader := decode.NewLoader(cfg.Audio.SampleRate, cfg.FFmpegPath, logger)

	var session media.Session = media.NewNoOpSession()
	if withSession {
		s, err := media.NewSession()
		if err != nil {
			logger.Warn().Err(err).Msg("continuing without OS media integration")
		} else {
			logger.Info().Msg("media session initialized")
			session = s
		}
	}

	p := player.New(output, loader, player.Options{
		Scheduler: scheduler.Options{
			LeadTime:     cfg.Scheduler.LeadTime(),
			SeekLeadTime: cfg.Scheduler.SeekLeadTime(),
			FadeIn:       cfg.Scheduler.FadeIn(),
			Logger:       logger,
			Metrics:      m,
		},
		Session: session,
	})
	if err := p.SetVolume(cfg.Audio.DefaultVolume); err != nil {
		p.Close()
		return nil, err
	}

	return &runtime{configMgr: configMgr, log: logger, registry: registry, player: p}, nil
}
