package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Huddle/internal/adapters/rtc"
	"github.com/dkeye/Huddle/internal/client"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
)

var (
	flagRoom        string
	flagName        string
	flagServer      string
	flagUserID      string
	flagSilentAudio bool
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "huddle-peer --room <room> --name <name>",
	Short: "Headless Huddle participant",
	Long: `huddle-peer joins a Huddle room under a display name and keeps a
WebRTC session with every other participant until interrupted.

Examples:
  huddle-peer --room lobby --name bot
  huddle-peer --room lobby --name bot --silent-audio --server ws://host:8080/api/ws/signal`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room to join")
	rootCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name")
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "", "signaling websocket url (default from config)")
	rootCmd.Flags().StringVar(&flagUserID, "user-id", "", "stable user id (default: assigned by the server)")
	rootCmd.Flags().BoolVar(&flagSilentAudio, "silent-audio", false, "publish a silent Opus track")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("room")
	_ = rootCmd.MarkFlagRequired("name")
}

func Execute() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	if flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	server := cfg.Client.ServerURL
	if flagServer != "" {
		server = flagServer
	}

	api, err := rtc.NewAPI()
	if err != nil {
		return err
	}
	src := media.Empty()
	if flagSilentAudio {
		if src, err = media.NewSilentAudio("huddle-" + flagName); err != nil {
			return err
		}
	}

	tr := client.NewTransport(server, cfg.Client.RedialDelay)
	coord := client.NewCoordinator(tr, client.Options{
		UserID:               domain.UserID(flagUserID),
		JoinDelay:            cfg.Client.JoinDelay,
		ReconnectDelay:       cfg.Negotiation.ReconnectDelay,
		MaxReconnectAttempts: cfg.Negotiation.MaxReconnectAttempts,
		NewPeerConnection:    rtc.Factory(api, cfg.ICE),
		Media:                src,
		Events:               newRosterPrinter(os.Stdout),
	})
	defer coord.Close()

	// The transport outlives ctx so leave-room can still be sent.
	trCtx, stopTransport := context.WithCancel(context.Background())
	defer stopTransport()

	var g errgroup.Group
	g.Go(func() error { return tr.Run(trCtx, coord) })
	g.Go(func() error {
		defer stopTransport()
		if err := stayJoined(ctx, coord); err != nil {
			return err
		}

		leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := coord.Leave(leaveCtx); err != nil && !errors.Is(err, client.ErrNotJoined) {
			log.Warn().Err(err).Str("module", "peer").Msg("leave")
		}
		return nil
	})
	return g.Wait()
}

// stayJoined keeps the peer in the room until ctx is done, rejoining after
// every transport drop.
func stayJoined(ctx context.Context, coord *client.Coordinator) error {
	for {
		if err := joinRoom(ctx, coord); err != nil || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-coord.Ended():
			log.Warn().Str("module", "peer").Str("room", flagRoom).Msg("left the room after a transport drop, rejoining")
		}
	}
}

// joinRoom retries joins lost to transport drops. A rejection is final.
func joinRoom(ctx context.Context, coord *client.Coordinator) error {
	room := domain.RoomID(flagRoom)
	for {
		err := coord.Join(ctx, room, flagName)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, client.ErrTransportClosed):
			log.Warn().Str("module", "peer").Msg("transport dropped during join, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		default:
			return err
		}
	}
}
