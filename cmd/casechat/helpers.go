package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	chatsync "github.com/frckbrice/patrick-travel-chatsync"
)

const defaultBucket = "casechat"

// runtime holds the collaborators built from the configuration.
type runtime struct {
	cfg        *Config
	store      chatsync.RealtimeStore
	ws         *chatsync.WSStore
	realtime   chatsync.IdentityProvider[chatsync.RealtimeUserID]
	durable    chatsync.IdentityProvider[chatsync.DurableUserID]
	api        *chatsync.APIClient
	pool       *pgxpool.Pool
	archiver   chatsync.Archiver
	translator chatsync.Translator
	cases      chatsync.CaseLookup
	closers    []func()
}

// openRuntime connects everything the configuration names.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	rt := &runtime{cfg: cfg}
	if err := rt.open(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context) error {
	cfg := rt.cfg

	durable := chatsync.NewStaticIdentity[chatsync.DurableUserID](chatsync.ErrNotAuthenticated)
	if cfg.Auth.DurableUserID != "" {
		durable.Set(chatsync.DurableUserID(cfg.Auth.DurableUserID), cfg.Auth.Token)
	}
	rt.durable = durable

	if err := rt.openStore(ctx); err != nil {
		return err
	}
	if rt.ws != nil {
		rt.realtime = rt.ws.Identity()
	} else {
		realtime := chatsync.NewStaticIdentity[chatsync.RealtimeUserID](chatsync.ErrNoRealtimeSession)
		if cfg.Auth.RealtimeUserID != "" {
			realtime.Set(chatsync.RealtimeUserID(cfg.Auth.RealtimeUserID), cfg.Realtime.Token)
		}
		rt.realtime = realtime
	}

	if cfg.Default.APIURL != "" {
		rt.api = chatsync.NewAPIClient(cfg.Default.APIURL, durable, chatsync.WithUserAgent("casechat"))
	}

	if cfg.Database.URL != "" {
		pool, err := chatsync.ConnectPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		rt.pool = pool
		rt.closers = append(rt.closers, pool.Close)
		dir := chatsync.NewPostgresDirectory(pool)
		rt.translator = chatsync.NewCachingTranslator(dir)
		rt.cases = dir
	} else if cfg.Auth.DurableUserID != "" && cfg.Auth.RealtimeUserID != "" {
		rt.translator = chatsync.NewStaticTranslator().Add(
			chatsync.DurableUserID(cfg.Auth.DurableUserID),
			chatsync.RealtimeUserID(cfg.Auth.RealtimeUserID),
		)
	}

	switch cfg.Default.Archive {
	case "database":
		if rt.pool == nil {
			return fmt.Errorf("default.archive is database but database.url is not set")
		}
		archive := chatsync.NewPostgresArchive(rt.pool)
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
		rt.archiver = archive
	default:
		if rt.api != nil {
			rt.archiver = rt.api
		}
	}
	return nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	cfg := rt.cfg
	switch cfg.Realtime.Driver {
	case "", "memory":
		store := chatsync.NewMemoryStore(chatsync.WithMemoryLogger(logger))
		rt.store = store
		rt.closers = append(rt.closers, store.Close)
	case "nats":
		url := cfg.Realtime.URL
		if url == "" {
			url = nats.DefaultURL
		}
		opts := []nats.Option{nats.Name("casechat")}
		if cfg.Realtime.Token != "" {
			opts = append(opts, nats.Token(cfg.Realtime.Token))
		}
		nc, err := nats.Connect(url, opts...)
		if err != nil {
			return fmt.Errorf("connect nats %s: %w", url, err)
		}
		rt.closers = append(rt.closers, nc.Close)
		bucket := cfg.Realtime.Bucket
		if bucket == "" {
			bucket = defaultBucket
		}
		store, err := chatsync.OpenNATSStore(nc, bucket, logger)
		if err != nil {
			return err
		}
		rt.store = store
		rt.closers = append(rt.closers, store.Close)
	case "ws":
		if cfg.Realtime.URL == "" {
			return fmt.Errorf("realtime.url is required for the ws driver")
		}
		token := cfg.Realtime.Token
		if token == "" {
			token = cfg.Auth.Token
		}
		ws := chatsync.NewWSStore(chatsync.WSConfig{
			URL:           cfg.Realtime.URL,
			Token:         token,
			AutoReconnect: true,
			Logger:        &logger,
		})
		ws.OnDisconnected(func(code int, reason string) {
			logger.Warn().Int("code", code).Str("reason", reason).Msg("realtime connection lost")
		})
		ws.OnReconnecting(func(attempt int, delay time.Duration) {
			logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		})
		rt.closers = append(rt.closers, func() { _ = ws.Close() })
		if err := ws.Connect(ctx); err != nil {
			return err
		}
		rt.ws = ws
		rt.store = ws
	default:
		return fmt.Errorf("unknown realtime driver %q", cfg.Realtime.Driver)
	}
	return nil
}

// Close releases everything in reverse order of opening.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *runtime) sessionOptions() []chatsync.Option {
	opts := []chatsync.Option{
		chatsync.WithLogger(logger),
		chatsync.WithUserName(rt.cfg.Default.UserName),
	}
	if rt.cfg.Default.Dedup == "client-key" {
		opts = append(opts, chatsync.WithDedupKey(chatsync.ClientKeyDedup))
	}
	return opts
}

// openSession opens a session and waits for the room list to load.
func (rt *runtime) openSession(ctx context.Context) (*chatsync.Session, error) {
	s := chatsync.NewSession(chatsync.Deps{
		Store:      rt.store,
		Realtime:   rt.realtime,
		Durable:    rt.durable,
		Archiver:   rt.archiver,
		Translator: rt.translator,
		Cases:      rt.cases,
	}, rt.sessionOptions()...)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	waitFor(ctx, s, func(v chatsync.View) bool { return !v.RoomsLoading })
	return s, nil
}

// waitFor blocks until ready accepts the session's view or ctx ends.
func waitFor(ctx context.Context, s *chatsync.Session, ready func(chatsync.View) bool) chatsync.View {
	changed := make(chan struct{}, 1)
	remove := s.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	for {
		v := s.View()
		if ready(v) {
			return v
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s.View()
		}
	}
}

// selectTarget selects the conversation named by a case, a room handle key
// or a counterpart id, in that order of precedence.
func selectTarget(ctx context.Context, s *chatsync.Session, caseID, roomKey, counterpart string, durable bool) (chatsync.RoomHandle, error) {
	switch {
	case caseID != "":
		return s.OpenCase(ctx, chatsync.CaseID(caseID))
	case roomKey != "":
		h, err := chatsync.ParseRoomHandle(roomKey)
		if err != nil {
			return nil, err
		}
		if err := s.Select(ctx, h); err != nil {
			return nil, err
		}
		return s.Active(), nil
	case counterpart == "":
		return nil, fmt.Errorf("a counterpart, --case or --room is required")
	case durable:
		return s.StartConversationWith(ctx, chatsync.DurableUserID(counterpart))
	default:
		return s.StartConversation(ctx, chatsync.RealtimeUserID(counterpart))
	}
}

func parseAttachments(urls []string) []chatsync.Attachment {
	if len(urls) == 0 {
		return nil
	}
	out := make([]chatsync.Attachment, 0, len(urls))
	for _, u := range urls {
		out = append(out, chatsync.Attachment{URL: u, Name: path.Base(u)})
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
