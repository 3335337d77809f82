package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ptchat/internal/attachment"
	"ptchat/internal/chat"
	"ptchat/internal/commands"
	"ptchat/internal/config"
	"ptchat/internal/feed"
	"ptchat/internal/filestore"
	"ptchat/internal/http"
	"ptchat/internal/identity"
	"ptchat/internal/messagelog"
	"ptchat/internal/metrics"
	"ptchat/internal/notify"
	"ptchat/internal/presence"
	"ptchat/internal/registry"
	"ptchat/internal/storage"
	"ptchat/internal/syncer"
	"ptchat/internal/typing"
	"ptchat/internal/ws"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("ptchat", flag.ContinueOnError)
	issueSession := flags.String("issue-session", "", "Issue a session token for tenant/user/role via the admin API of a running server")
	displayName := flags.String("name", "", "Display name for -issue-session")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*issueSession != "")
	if err != nil {
		return err
	}

	if *issueSession != "" {
		return commands.IssueSession(*issueSession, *displayName, cfg)
	}

	broker := feed.NewBroker(feed.DefaultBuffer)
	defer broker.Close()

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile, broker)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	appMetrics := metrics.New()

	sessions, err := identity.NewService(ctx, identity.Config{
		Secret:     base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		SessionTTL: cfg.SessionTTL,
	}, bbStorage)
	if err != nil {
		return err
	}

	objects, err := filestore.NewLocalFileStore(cfg.UploadsPath, cfg.BaseURL)
	if err != nil {
		return err
	}
	attachments := attachment.New(objects, bbStorage, attachment.Limits{
		Image: cfg.MaxImageBytes,
		File:  cfg.MaxFileBytes,
		Voice: cfg.MaxVoiceBytes,
	})

	presenceStore, closeStore, err := newPresenceStore(ctx, cfg, bbStorage)
	if err != nil {
		return err
	}
	defer closeStore()
	tracker := presence.NewTracker(ctx, presenceStore, broker, cfg.HeartbeatInterval)

	coordinator := typing.New(broker, cfg.TypingTTL)
	defer coordinator.Close()

	var dispatcher notify.Dispatcher = notify.LogDispatcher{Logger: slog.Default()}
	if cfg.PushEnabled() {
		dispatcher = &notify.WebPushDispatcher{
			Subscriber:      cfg.VAPIDSubscriber,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		}
	} else {
		log.Println("VAPID keys not set, push notifications are only logged")
	}
	devices := notify.NewDevices(bbStorage)
	scheduler := notify.NewScheduler(devices, tracker, dispatcher, appMetrics, cfg.ReminderLead)
	defer scheduler.Stop()

	reg := registry.New(bbStorage)
	chatService := chat.New(chat.Config{
		Registry:    reg,
		Log:         messagelog.New(bbStorage, reg, appMetrics),
		Attachments: attachments,
		Presence:    tracker,
		Typing:      coordinator,
		Notifier:    scheduler,
	})
	defer chatService.Wait()

	hub := ws.NewHub(chatService, broker)
	hub.UseOutbox(func(tenantID, userID string) syncer.KeyValueStore {
		return bbStorage.KV(tenantID, "outbox/"+userID)
	})
	defer hub.Close()

	adminServer := http.NewAdminServer(sessions, reg, appMetrics, cfg.AdminAddr)
	apiServer := http.NewAPIServer(http.APIConfig{
		Sessions:    sessions,
		Chat:        chatService,
		Hub:         hub,
		Attachments: attachments,
		Devices:     devices,
		Scheduler:   scheduler,
		Addr:        cfg.APIAddr,
	})

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		// Websocket connections are hijacked and not covered by Shutdown.
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// newPresenceStore picks Redis when configured so several instances share
// presence, and the local database otherwise.
func newPresenceStore(ctx context.Context, cfg *config.Config, bbStorage *storage.BboltStorage) (presence.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return presence.NewBboltStore(bbStorage), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	log.Printf("Presence stored in redis at %s", cfg.RedisAddr)
	return presence.NewRedisStore(client, presence.DefaultRetention), func() { _ = client.Close() }, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
