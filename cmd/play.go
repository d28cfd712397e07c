package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stemfm/config"
	"stemfm/core/mediasession"
	"stemfm/logger"
)

var (
	playTrack  int
	playOutput string
)

// consoleSurface prints now-playing changes for the headless player.
type consoleSurface struct{}

func (consoleSurface) SetMetadata(m mediasession.Metadata) error {
	if m.Artist != "" {
		fmt.Printf("♪ %s - %s\n", m.Artist, m.Title)
	} else {
		fmt.Printf("♪ %s\n", m.Title)
	}
	return nil
}

func (consoleSurface) SetPlaybackState(s mediasession.PlaybackStatus) error {
	fmt.Printf("  [%s]\n", s)
	return nil
}

func (consoleSurface) SetPositionState(mediasession.PositionState) error { return nil }

func (consoleSurface) SetActionHandler(mediasession.Action, mediasession.Handler) error {
	return fmt.Errorf("console has no media keys")
}

func (consoleSurface) ClearActionHandler(mediasession.Action) error { return nil }

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "在本机声卡上播放曲库",
	Long:  `无界面播放：从指定曲目开始循环播放整个曲库，直到收到中断信号`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if playOutput != "" {
			cfg.AudioOutput = playOutput
		}
		initLogger(cfg)
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, hostFacts(""))
		if err != nil {
			return err
		}
		defer a.close()
		a.attachSurface(consoleSurface{})

		if len(a.engine.Tracks()) == 0 {
			return fmt.Errorf("no released tracks in the catalog")
		}
		index := a.engine.State().CurrentTrackIndex
		if cmd.Flags().Changed("track") {
			index = playTrack
		}
		if err := a.engine.PlayTrack(ctx, index); err != nil {
			return err
		}
		<-ctx.Done()
		fmt.Println("stopping")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(playCmd)
	playCmd.Flags().IntVarP(&playTrack, "track", "t", 0, "index of the first track to play (defaults to the saved session)")
	playCmd.Flags().StringVarP(&playOutput, "output", "o", "", "audio output: device or null")
}
