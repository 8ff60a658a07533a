package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/turnpipe/turnpipe/config"
	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/persist"
	"github.com/turnpipe/turnpipe/pipeline"
	"github.com/turnpipe/turnpipe/provider"
	"github.com/turnpipe/turnpipe/sequence"
	seqredis "github.com/turnpipe/turnpipe/sequence/redis"
	"github.com/turnpipe/turnpipe/store"
	"github.com/turnpipe/turnpipe/store/inmem"
	storemongo "github.com/turnpipe/turnpipe/store/mongo"
	clientsmongo "github.com/turnpipe/turnpipe/store/mongo/clients/mongo"
	storepostgres "github.com/turnpipe/turnpipe/store/postgres"
	"github.com/turnpipe/turnpipe/stream"
	pulsesink "github.com/turnpipe/turnpipe/stream/pulse"
	clientspulse "github.com/turnpipe/turnpipe/stream/pulse/clients/pulse"
	"github.com/turnpipe/turnpipe/telemetry"
	"github.com/turnpipe/turnpipe/tools"
)

var (
	soakSessions int
	soakTurns    int
	soakRate     float64
)

func init() {
	rootCmd.AddCommand(soakCmd)
	soakCmd.Flags().IntVar(&soakSessions, "sessions", 8, "Concurrent sessions to drive")
	soakCmd.Flags().IntVar(&soakTurns, "turns", 20, "Turns to process per session")
	soakCmd.Flags().Float64Var(&soakRate, "rate", 50, "Turn starts per second across all sessions")
}

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "Drive concurrent sessions through the configured backends",
	Long: `Soak processes scripted turns for many sessions at once against the
store named in the config file, sequencing through Redis and publishing live
events to per-session Pulse streams when Redis is reachable. An ops endpoint
serves health checks for every backing dependency while the run is active.`,
	Args: cobra.NoArgs,
	RunE: runSoak,
}

func runSoak(cmd *cobra.Command, args []string) error {
	if soakSessions <= 0 || soakTurns <= 0 || soakRate <= 0 {
		return errors.New("sessions, turns, and rate must be positive")
	}

	ctx := commandContext()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	var (
		alloc   sequence.Allocator
		sink    stream.Sink
		pingers []health.Pinger
	)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf(ctx, "redis unreachable at %s, falling back to in-process sequencing: %v", cfg.Redis.Addr, err)
		alloc = sequence.NewCounter()
		sink = stream.NewChan(0)
	} else {
		redisAlloc, err := seqredis.New(seqredis.Options{Client: rdb, Key: cfg.Redis.SequenceKey})
		if err != nil {
			return err
		}
		pulseClient, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     cfg.Stream.MaxLen,
			OperationTimeout: cfg.Stream.Timeout(),
		})
		if err != nil {
			return err
		}
		defer pulseClient.Close(context.Background())
		psink, err := pulsesink.NewSink(pulsesink.Options{Client: pulseClient})
		if err != nil {
			return err
		}
		alloc = redisAlloc
		sink = psink
		pingers = append(pingers, redisAlloc)
	}

	backing, cleanup, storePingers, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	pingers = append(pingers, storePingers...)

	coord, err := persist.New(persist.Options{
		Store:        backing,
		Logger:       telemetry.NewClueLogger(),
		Metrics:      telemetry.NewClueMetrics(),
		QueueSize:    cfg.Persist.QueueSize,
		WriteTimeout: cfg.Persist.WriteTimeout(),
	})
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.Descriptor{
		Name:        "web_search",
		Description: "Search the web and return result snippets",
	}); err != nil {
		return err
	}

	pipe, err := pipeline.New(pipeline.Options{
		Sequencer:   alloc,
		Coordinator: coord,
		Sink:        sink,
		Registry:    registry,
		Logger:      telemetry.NewClueLogger(),
		Metrics:     telemetry.NewClueMetrics(),
		Tracer:      telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	mux := chi.NewRouter()
	check := health.Handler(health.NewChecker(pingers...))
	mux.Get("/healthz", check)
	mux.Get("/livez", check)
	srv := &http.Server{Addr: cfg.Ops.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf(ctx, "ops endpoint listening on %s", cfg.Ops.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, err, "ops endpoint failed")
		}
	}()

	log.Printf(ctx, "soak starting: backend=%s sessions=%d turns=%d rate=%.0f/s",
		cfg.Backend, soakSessions, soakTurns, soakRate)

	start := time.Now()
	runID := start.UnixMilli()
	limiter := rate.NewLimiter(rate.Limit(soakRate), 1)
	var processed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < soakSessions; s++ {
		g.Go(func() error {
			sessionID := fmt.Sprintf("soak-%d-%d", runID, s)
			agent := event.Agent{ID: fmt.Sprintf("agent.soak-%d", s), Name: fmt.Sprintf("Soak %d", s)}
			for i := 0; i < soakTurns; i++ {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				if _, err := pipe.ProcessTurn(gctx, soakTurn(sessionID, agent, i)); err != nil {
					return fmt.Errorf("session %s turn %d: %w", sessionID, i, err)
				}
				processed.Add(1)
			}
			return nil
		})
	}
	werr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coord.Close(closeCtx); err != nil {
		log.Errorf(ctx, err, "async queue did not drain")
	}
	if err := sink.Close(closeCtx); err != nil {
		log.Errorf(ctx, err, "sink close failed")
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "ops endpoint shutdown failed")
	}

	if werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}

	rows, err := countRows(context.Background(), backing, runID)
	if err != nil {
		return err
	}
	log.Printf(ctx, "soak complete: %d turns in %s, %d rows stored",
		processed.Load(), time.Since(start).Round(time.Millisecond), rows)
	return nil
}

// buildStore constructs the event store named by the config, returning the
// store, a connection cleanup, and the health pingers it contributes.
func buildStore(ctx context.Context, cfg config.Config) (store.Store, func(), []health.Pinger, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return inmem.New(), func() {}, nil, nil

	case config.BackendMongo:
		cli, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() { _ = cli.Disconnect(context.Background()) }
		mcli, err := clientsmongo.New(clientsmongo.Options{
			Client:     cli,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.Mongo.Timeout(),
		})
		if err != nil {
			disconnect()
			return nil, nil, nil, err
		}
		st, err := storemongo.NewStore(mcli)
		if err != nil {
			disconnect()
			return nil, nil, nil, err
		}
		return st, disconnect, []health.Pinger{mcli}, nil

	case config.BackendPostgres:
		pool, err := storepostgres.NewPool(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st, err := storepostgres.New(storepostgres.Options{Pool: pool, Logger: telemetry.NewClueLogger()})
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return st, pool.Close, []health.Pinger{st}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// soakTurn scripts one deterministic turn: even turns are plain reasoning and
// text, odd turns run a full tool round trip.
func soakTurn(sessionID string, agent event.Agent, i int) pipeline.Turn {
	const model = "claude-sonnet-4-5"
	messageID := fmt.Sprintf("msg_%s_%d", sessionID, i)
	if i%2 == 0 {
		return pipeline.Turn{
			SessionID: sessionID,
			Agent:     agent,
			Messages: []provider.Message{{
				Role: provider.RoleAssistant,
				Parts: []provider.Part{
					provider.ThinkingPart{Text: fmt.Sprintf("planning step %d", i)},
					provider.TextPart{Text: fmt.Sprintf("Step %d of the soak conversation.", i)},
				},
				Usage: &provider.Usage{InputTokens: 200 + i, OutputTokens: 40, ReasoningTokens: 12},
				Meta:  &provider.Meta{MessageID: messageID, Model: model, StopReason: "end_turn"},
			}},
		}
	}
	toolID := fmt.Sprintf("toolu_%s_%d", sessionID, i)
	return pipeline.Turn{
		SessionID: sessionID,
		Agent:     agent,
		Messages: []provider.Message{
			{
				Role: provider.RoleAssistant,
				Parts: []provider.Part{
					provider.TextPart{Text: fmt.Sprintf("Checking item %d.", i)},
					provider.ToolUsePart{
						ID:   toolID,
						Name: "web_search",
						Args: json.RawMessage(fmt.Sprintf(`{"query":"item %d"}`, i)),
					},
				},
				Usage: &provider.Usage{InputTokens: 300 + i, OutputTokens: 60},
				Meta:  &provider.Meta{MessageID: messageID, Model: model, StopReason: "tool_use"},
			},
			{
				Role:      provider.RoleTool,
				ToolUseID: toolID,
				ToolName:  "web_search",
				Text:      fmt.Sprintf(`{"found":%d}`, i),
			},
		},
	}
}

// countRows sums the stored rows across every session of this run.
func countRows(ctx context.Context, backing store.Store, runID int64) (int, error) {
	total := 0
	for s := 0; s < soakSessions; s++ {
		sessionID := fmt.Sprintf("soak-%d-%d", runID, s)
		page, err := backing.List(ctx, sessionID, store.CursorStart, soakTurns*8)
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", sessionID, err)
		}
		total += len(page.Records)
	}
	return total, nil
}
