package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-app/parley/internal/call"
	"github.com/parley-app/parley/internal/chat"
	"github.com/parley-app/parley/internal/config"
	"github.com/parley-app/parley/internal/directory"
	"github.com/parley-app/parley/internal/media"
	"github.com/parley-app/parley/internal/presence"
	"github.com/parley-app/parley/internal/rtc"
	"github.com/parley-app/parley/internal/signaling"
	"github.com/parley-app/parley/internal/util"
)

var (
	configPath = flag.String("config", "parley.json", "Path to the config file")
	callRoom   = flag.String("call", "", "Room to call on startup")
	callKind   = flag.String("kind", "audio", "Call kind: audio or video")
	autoAnswer = flag.Bool("auto-answer", false, "Accept incoming calls automatically")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("parley v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*configPath, func() string { return uuid.New().String() })
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	if created {
		log.Info().Str("path", *configPath).Msg("created default config")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("parley exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	selfID := cfg.Identity.UserID

	store, err := directory.Open(util.ResolvePath(filepath.Dir(*configPath), cfg.Storage.DataDir))
	if err != nil {
		return fmt.Errorf("open directory store: %w", err)
	}
	defer store.Close()

	if err := store.UpsertUser(directory.User{ID: selfID, Name: cfg.Identity.DisplayName}); err != nil {
		return err
	}

	// Relay: hosted websocket service, or an in-process loopback for a
	// single-machine demo.
	var relay signaling.Relay
	if cfg.Relay.URL != "" {
		relay, err = signaling.DialWS(cfg.Relay.URL, selfID, log)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	} else {
		log.Warn().Msg("no relay url configured, using in-process loopback")
		relay = signaling.NewLoopbackHub().Endpoint(selfID)
	}
	defer relay.Close()

	devices, err := media.NewDevices(media.Caps{
		MaxWidth:  cfg.Media.MaxWidth,
		MaxHeight: cfg.Media.MaxHeight,
		BitRate:   cfg.Media.BitRate,
	}, log)
	if err != nil {
		return fmt.Errorf("media devices: %w", err)
	}

	dialer := rtc.NewPionDialer(cfg.ICE.STUNServers, devices.PopulateEngine, log)

	peers := presence.NewTable(time.Duration(cfg.Presence.TTLSec)*time.Second, log)
	defer peers.Close()

	chatMgr := chat.New(relay, store, selfID, log)
	chatMgr.SetTypingSink(peers)
	defer chatMgr.Close()

	callMgr := call.NewManager(relay, devices, dialer, store, selfID, log)
	defer callMgr.Close()

	callMgr.OnEnded(func(s *call.Session, err error) {
		if err != nil {
			log.Error().Err(err).Str("room", s.Room).Msg("call failed")
			return
		}
		log.Info().Str("room", s.Room).Msg("call ended")
	})
	callMgr.OnIncoming(func(ic *call.IncomingCall) {
		log.Info().Str("room", ic.Room).Str("from", ic.FromName).Str("kind", string(ic.Kind)).Msg("incoming call")
		if *autoAnswer {
			if _, err := ic.Accept(context.Background()); err != nil {
				log.Error().Err(err).Msg("accept failed")
			}
		}
	})

	rooms, err := store.Rooms()
	if err != nil {
		return err
	}
	for _, r := range rooms {
		if err := callMgr.WatchRoom(r.ID); err != nil {
			return err
		}
		if err := chatMgr.JoinRoom(r.ID); err != nil {
			return err
		}
		pch, pcancel, err := relay.Subscribe(r.ID)
		if err != nil {
			return err
		}
		defer pcancel()
		peers.Watch(pch)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go heartbeat(ctx, cfg, relay, rooms, log)

	if *callRoom != "" {
		kind := media.Audio
		if *callKind == string(media.Video) {
			kind = media.Video
		}
		if err := callMgr.WatchRoom(*callRoom); err != nil {
			return err
		}
		if _, err := callMgr.StartCall(ctx, *callRoom, kind); err != nil {
			return err
		}
	}

	log.Info().Str("user", cfg.Identity.DisplayName).Int("rooms", len(rooms)).Msg("parley running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	return nil
}

// heartbeat announces presence on every joined room until ctx is done.
func heartbeat(ctx context.Context, cfg config.Config, relay signaling.Relay, rooms []directory.Room, log zerolog.Logger) {
	ticker := time.NewTicker(time.Duration(cfg.Presence.HeartbeatSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range rooms {
				if err := relay.Send(r.ID, signaling.Message{
					Type: signaling.TypePresence,
					Name: cfg.Identity.DisplayName,
				}); err != nil {
					log.Debug().Err(err).Msg("presence send failed")
				}
			}
		}
	}
}
