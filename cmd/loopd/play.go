package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/loopd/internal/program"
	"github.com/austinkregel/local-media/loopd/internal/scheduler"
)

func newPlayCmd() *cobra.Command {
	var (
		spec   program.Spec
		noExit bool
		once   bool
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a program in the foreground",
		Long: "Play an intro/loop/exit program until interrupted. The first interrupt\n" +
			"finishes the current loop and plays the exit; the second stops at once.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noExit {
				spec.HasExit = boolPtr(false)
			}
			if once {
				spec.AutoLoop = boolPtr(false)
			}
			return play(cmd.Context(), spec)
		},
	}
	cmd.Flags().StringVar(&spec.Intro, "intro", "", "Intro segment (played once)")
	cmd.Flags().StringVar(&spec.Loop, "loop", "", "Loop body (required)")
	cmd.Flags().StringVar(&spec.Exit, "exit", "", "Exit segment (played after a stop)")
	cmd.Flags().StringVar(&spec.Title, "title", "", "Title shown in the media session")
	cmd.Flags().BoolVar(&noExit, "no-exit", false, "Do not play the exit segment")
	cmd.Flags().BoolVar(&once, "once", false, "Play the loop body a single time")
	cmd.Flags().BoolVar(&spec.StrictTiming, "strict", false, "Keep loop starts on the original grid after a late wake-up")
	cmd.MarkFlagRequired("loop")
	return cmd
}

func play(ctx context.Context, spec program.Spec) error {
	rt, err := setup(false)
	if err != nil {
		return err
	}
	defer rt.player.Close()

	sub := rt.player.Events().Subscribe()
	defer rt.player.Events().Unsubscribe(sub)

	if err := rt.player.Start(ctx, spec); err != nil {
		return err
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	// Transitions can be coalesced under load; the poll catches a missed stop.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	interrupts := 0
	for {
		select {
		case <-poll.C:
			if !rt.player.Status().Playing {
				rt.log.Info().Msg("playback finished")
				return nil
			}
		case t, ok := <-sub:
			if !ok {
				return nil
			}
			rt.log.Info().Str("state", t.State).Int("iteration", t.Iteration).Msg("transition")
			if t.State == scheduler.StateStopped.String() {
				return nil
			}
		case sig := <-signals:
			interrupts++
			if interrupts == 1 {
				rt.log.Info().Str("signal", sig.String()).Msg("stopping at the next loop boundary")
				if err := rt.player.Stop(); err != nil {
					return err
				}
				continue
			}
			rt.log.Info().Str("signal", sig.String()).Msg("stopping now")
			return rt.player.StopNow()
		case <-ctx.Done():
			return rt.player.StopNow()
		}
	}
}

func boolPtr(b bool) *bool {
	return &b
}
