// Command threadwatch subscribes to a conversation thread's event stream and
// prints the assembled state as it evolves. It is a diagnostic tool: point it
// at the Redis instance carrying the Pulse streams and watch messages form.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"goa.design/threads/event"
	pulsestream "goa.design/threads/features/stream/pulse"
	clientspulse "goa.design/threads/features/stream/pulse/clients/pulse"
	"goa.design/threads/store"
	"goa.design/threads/syncer"
	"goa.design/threads/telemetry"
	"goa.design/threads/thread"
)

// config holds the file-based settings. Flags override file values.
type config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Thread   string `yaml:"thread"`
	UserID   string `yaml:"user_id"`
	Instance string `yaml:"instance"`
	MaxLen   int    `yaml:"stream_max_len"`
}

func main() {
	var (
		configF   = flag.String("config", "", "Path to YAML config file")
		redisF    = flag.String("redis", "", "Redis address (overrides config)")
		threadF   = flag.String("thread", "", "Thread ID to watch (overrides config)")
		userF     = flag.String("user", "", "User ID scope filter (overrides config)")
		instanceF = flag.String("instance", "", "Instance ID for sync frames (overrides config)")
		soloF     = flag.Bool("solo", false, "Run standalone without the cross-instance sync stream")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load config")
	}
	if *redisF != "" {
		cfg.Redis.Addr = *redisF
	}
	if *threadF != "" {
		cfg.Thread = *threadF
	}
	if *userF != "" {
		cfg.UserID = *userF
	}
	if *instanceF != "" {
		cfg.Instance = *instanceF
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Thread == "" {
		log.Fatalf(ctx, fmt.Errorf("missing thread id"), "a thread to watch is required (-thread or config)")
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	log.Print(ctx, log.KV{K: "redis", V: cfg.Redis.Addr}, log.KV{K: "thread", V: cfg.Thread})

	// Build the transport: Redis connection, Pulse client, stream helpers.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf(ctx, err, "redis ping")
	}
	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.MaxLen})
	if err != nil {
		log.Fatalf(ctx, err, "pulse client")
	}
	streams, err := pulsestream.NewStreams(pulsestream.StreamsOptions{Client: pulseClient})
	if err != nil {
		log.Fatalf(ctx, err, "pulse streams")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var port syncer.Port
	if !*soloF {
		p, err := streams.NewPort(ctx, pulsestream.PortOptions{
			SinkName: "threadwatch_" + cfg.Instance,
		})
		if err != nil {
			log.Fatalf(ctx, err, "sync port")
		}
		defer p.Close()
		port = p
	}

	// Build the engine: the syncer owns the store and hooks event application
	// so the watcher can render after every applied event.
	logger := telemetry.NewClueLogger()
	sync, err := syncer.New(syncer.Options{
		Scope:      event.Scope{ThreadID: cfg.Thread, UserID: cfg.UserID},
		Port:       port,
		InstanceID: cfg.Instance,
		Logger:     logger,
		Metrics:    telemetry.NewOTELMetrics(),
		Store: store.Options{
			Logger:  logger,
			Metrics: telemetry.NewOTELMetrics(),
			OnApplied: func(threadID string, ev event.Event) {
				log.Debug(ctx, log.KV{K: "applied", V: ev.Name()}, log.KV{K: "seq", V: ev.Sequence()})
			},
		},
	})
	if err != nil {
		log.Fatalf(ctx, err, "syncer")
	}
	sync.Store().Dispatch(ctx, store.ThreadSelected{ThreadID: cfg.Thread})

	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the watcher
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	if port != nil {
		if err := sync.Attach(ctx); err != nil {
			log.Errorf(ctx, err, "attach")
		}
		go func() {
			if err := sync.Run(ctx); err != nil && ctx.Err() == nil {
				errc <- err
			}
		}()
	}

	sub, err := streams.NewSubscriber(pulsestream.SubscriberOptions{
		SinkName: "threadwatch_" + cfg.Instance + "_events",
	})
	if err != nil {
		log.Fatalf(ctx, err, "subscriber")
	}
	payloads, suberrs, stop, err := sub.Subscribe(ctx, cfg.Thread)
	if err != nil {
		log.Fatalf(ctx, err, "subscribe")
	}
	defer stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-payloads:
				if !ok {
					return
				}
				sync.HandleRaw(ctx, raw)
				render(sync.Store().Thread(cfg.Thread))
			case err, ok := <-suberrs:
				if ok && err != nil {
					errc <- err
				}
				return
			}
		}
	}()

	log.Print(ctx, log.KV{K: "msg", V: "watching"}, log.KV{K: "thread", V: cfg.Thread})
	err = <-errc
	log.Print(ctx, log.KV{K: "msg", V: "exiting"}, log.KV{K: "cause", V: err.Error()})
	cancel()
}

// loadConfig reads the YAML config file when a path is given. A missing path
// yields a zero config so flags alone can drive the watcher.
func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// render prints the thread's messages and agent status to stdout.
func render(st *thread.State) {
	if st == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s", st.AgentStatus)
	if st.CurrentAgent != "" {
		fmt.Fprintf(&b, " (%s)", st.CurrentAgent)
	}
	b.WriteString(" ===\n")
	for _, msg := range st.Messages {
		fmt.Fprintf(&b, "[%s]", msg.Role)
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case thread.TextPart:
				fmt.Fprintf(&b, " %s", p.Content)
				if p.Status == thread.TextStreaming {
					b.WriteString("…")
				}
			case thread.ToolCallPart:
				fmt.Fprintf(&b, " <tool %s %s>", p.ToolName, p.State)
			case thread.InertPart:
				fmt.Fprintf(&b, " <%s>", p.Kind)
			}
		}
		b.WriteString("\n")
	}
	fmt.Print(b.String())
}
