// Package bot wires the store, oracle, food resolver, plan engine,
// messaging transport, and scheduler together and runs the coaching
// loop until the process is signalled to stop.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkravets/nutricoach/internal/audio"
	"github.com/mkravets/nutricoach/internal/flow"
	"github.com/mkravets/nutricoach/internal/food"
	"github.com/mkravets/nutricoach/internal/foodapi"
	"github.com/mkravets/nutricoach/internal/genai"
	"github.com/mkravets/nutricoach/internal/messaging"
	"github.com/mkravets/nutricoach/internal/plan"
	"github.com/mkravets/nutricoach/internal/scheduler"
	"github.com/mkravets/nutricoach/internal/store"
	"github.com/mkravets/nutricoach/internal/twiliosms"
	"github.com/mkravets/nutricoach/internal/whatsapp"
)

// Messaging channel names accepted by WithChannel.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
)

const (
	// DefaultAddr is the default health/webhook listen address.
	DefaultAddr = ":8080"
	// DefaultResponseTimeout bounds the handling of one inbound
	// message, including plan generation.
	DefaultResponseTimeout = 3 * time.Minute
	// userQueueSize is the per-user inbound backlog; beyond it messages
	// are dropped rather than blocking the transport reader.
	userQueueSize = 16
)

// Opts holds configuration options for the bot.
type Opts struct {
	Addr        string
	Channel     string
	FFmpegPath  string
	FoodCountry string
	StaleAfter  time.Duration
}

// Option configures bot options.
type Option func(*Opts)

// WithAddr sets the health/webhook server address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithChannel selects the messaging transport.
func WithChannel(channel string) Option {
	return func(o *Opts) { o.Channel = channel }
}

// WithFFmpegPath overrides the ffmpeg binary used for voice notes.
func WithFFmpegPath(path string) Option {
	return func(o *Opts) { o.FFmpegPath = path }
}

// WithFoodCountry sets the preferred country for food lookups.
func WithFoodCountry(cc string) Option {
	return func(o *Opts) { o.FoodCountry = cc }
}

// WithStaleAfter overrides the plan-generation staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Opts) { o.StaleAfter = d }
}

// Run bootstraps every module and blocks until SIGINT/SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, botOpts []Option) error {
	cfg := Opts{Addr: DefaultAddr, Channel: ChannelWhatsApp}
	for _, opt := range botOpts {
		opt(&cfg)
	}

	st, err := newStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	ai, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize oracle client: %w", err)
	}

	var lookupOpts []foodapi.Option
	if cfg.FoodCountry != "" {
		lookupOpts = append(lookupOpts, foodapi.WithCountry(cfg.FoodCountry))
	}
	foods, err := food.NewService(foodapi.NewClient(lookupOpts...), st)
	if err != nil {
		return fmt.Errorf("failed to initialize food service: %w", err)
	}

	plans := plan.NewEngine(ai, st)

	svc, media, err := newMessagingService(cfg, waOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging service: %w", err)
	}

	var transcoder flow.Transcoder
	var audioOpts []audio.Option
	if cfg.FFmpegPath != "" {
		audioOpts = append(audioOpts, audio.WithFFmpegPath(cfg.FFmpegPath))
	}
	if tc, err := audio.NewTranscoder(audioOpts...); err != nil {
		if !errors.Is(err, audio.ErrFFmpegUnavailable) {
			return fmt.Errorf("failed to initialize audio transcoder: %w", err)
		}
		slog.Warn("Bot ffmpeg not found, voice notes will be transcribed as-is")
	} else {
		transcoder = tc
	}

	var flowOpts []flow.Option
	if cfg.StaleAfter > 0 {
		flowOpts = append(flowOpts, flow.WithStaleAfter(cfg.StaleAfter))
	}
	router := flow.NewRouter(st, foods, ai, plans, svc, media, transcoder, flowOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}

	sched := scheduler.NewEngine(st, svc)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	server := newHTTPServer(cfg, svc)
	go func() {
		slog.Info("Bot HTTP server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Bot HTTP server failed", "error", err)
		}
	}()

	go drainReceipts(ctx, svc)

	d := newDispatcher(router)
	slog.Info("Bot running", "channel", cfg.Channel)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Bot shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Bot HTTP shutdown failed", "error", err)
			}
			if err := svc.Stop(); err != nil {
				slog.Warn("Bot messaging stop failed", "error", err)
			}
			return nil
		case resp, ok := <-svc.Responses():
			if !ok {
				return nil
			}
			d.enqueue(ctx, resp)
		}
	}
}

// newStore picks the backend by DSN: none means in-memory, URL-style
// or key=value means Postgres, anything else a SQLite file path.
func newStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("Bot using in-memory store, state is lost on restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == store.DSNTypePostgres {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

func newMessagingService(cfg Opts, waOpts []whatsapp.Option) (messaging.Service, flow.MediaDownloader, error) {
	switch cfg.Channel {
	case ChannelTwilio:
		client, err := twiliosms.NewClient()
		if err != nil {
			return nil, nil, err
		}
		// SMS carries no media; photo and voice flows degrade to text
		// fallbacks upstream.
		return messaging.NewTwilioService(client), nil, nil
	case ChannelWhatsApp, "":
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewWhatsAppService(client)
		return svc, svc, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging channel %q", cfg.Channel)
	}
}

func newHTTPServer(cfg Opts, svc messaging.Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	if tw, ok := svc.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", tw.WebhookHandler)
	}
	return &http.Server{Addr: cfg.Addr, Handler: mux}
}

func drainReceipts(ctx context.Context, svc messaging.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-svc.Receipts():
			if !ok {
				return
			}
			slog.Debug("Bot receipt", "to", receipt.To, "status", receipt.Status)
		}
	}
}
