package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/veriproof/engine/pkg/apikey"
	"github.com/veriproof/engine/pkg/challenge"
	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/config"
	"github.com/veriproof/engine/pkg/engine"
	"github.com/veriproof/engine/pkg/geo"
	"github.com/veriproof/engine/pkg/ipblock"
	"github.com/veriproof/engine/pkg/monitoring"
	"github.com/veriproof/engine/pkg/puzzletype"
	"github.com/veriproof/engine/pkg/ratelimit"
	"github.com/veriproof/engine/pkg/risk"
	"github.com/veriproof/engine/pkg/session"
	"github.com/veriproof/engine/pkg/store/postgres"
	"github.com/veriproof/engine/pkg/transport"
)

const (
	_readinessDrainDelay = 1 * time.Second
	_shutdownHardPeriod  = 3 * time.Second
	_shutdownPeriod      = 10 * time.Second

	defaultListenAddr       = "localhost:8080"
	defaultSessionTTL       = 5 * time.Minute
	defaultKeyRotation      = time.Hour
	siteVerifyReplayMaxSize = 1_000_000
	dbConnectTimeout        = 10 * time.Second

	// ipRateLimitMaxBuckets bounds the per-IP leaky bucket table; ipRate
	// LimitCapacity/Interval give each IP a burst of 60 protocol requests
	// that drains at 1/second, generous enough for a legitimate browser
	// session retrying a handshake while still capping a single abusive IP.
	ipRateLimitMaxBuckets = 500_000
	ipRateLimitCapacity   = 60
	ipRateLimitInterval   = time.Second

	// trustedIPHeader is empty: the engine derives the client IP from the
	// connection and the usual forwarding headers (see ipblock.GetClientIP)
	// rather than trusting a single named header. A deployment behind one
	// known reverse proxy would set this to that proxy's header name.
	trustedIPHeader = ""
)

var (
	envFileFlag = flag.String("env", "", "Path to .env file, 'stdin' or empty")
	env         *common.EnvMap
)

// mustDuration parses a config value as seconds, falling back to def when
// unset or malformed.
func mustDuration(item common.ConfigItem, def time.Duration) time.Duration {
	v := item.Value()
	if v == "" {
		return def
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// staticConfigItem lets a derived default stand in for a ConfigItem without
// round-tripping through the environment.
type staticConfigItem struct {
	key   common.ConfigKey
	value string
}

func (s staticConfigItem) Key() common.ConfigKey { return s.key }
func (s staticConfigItem) Value() string         { return s.value }

func buildEngine(ctx context.Context, cfg common.ConfigStore) (*engine.Engine, error) {
	secret := cfg.Get(common.SessionSecretKey).Value()
	if secret == "" {
		return nil, errors.New("SESSION_SECRET must be set")
	}

	sessionTTL := mustDuration(cfg.Get(common.SessionTTLSecondsKey), defaultSessionTTL)
	rotation := mustDuration(cfg.Get(common.ServerKeyRotationSecondsKey), defaultKeyRotation)

	apiKeys := apikey.NewMemoryStore()
	seedDevApiKey(apiKeys, secret)

	sessions := session.NewCache(sessionTTL, rotation)

	var challenges challenge.Store
	if dbURL := cfg.Get(common.DatabaseURLKey).Value(); dbURL != "" {
		pool, perr := postgres.Connect(ctx, cfg, dbConnectTimeout)
		if perr != nil {
			return nil, fmt.Errorf("connect postgres: %w", perr)
		}
		if merr := postgres.Migrate(ctx, pool, true); merr != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", merr)
		}
		slog.InfoContext(ctx, "Using Postgres-backed challenge store")
		challenges = postgres.NewChallengeStore(pool)
	} else {
		challenges = challenge.NewMemoryStore()
	}

	pow, err := challenge.NewEngine([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("challenge engine: %w", err)
	}

	riskEngine := risk.NewEngine()
	blocker := ipblock.NewBlocker()
	puzzles := puzzletype.NewRegistry(puzzletype.GridGenerator{}, puzzletype.CheckboxGenerator{})

	saltItem := cfg.Get(common.IDHasherSaltKey)
	if saltItem.Value() == "" {
		slog.WarnContext(ctx, "ID_HASHER_SALT is unset, deriving a salt from the session secret")
		saltItem = staticConfigItem{key: common.IDHasherSaltKey, value: "idhash-" + secret}
	}
	idHasher, err := common.NewIDHasher(saltItem)
	if err != nil {
		return nil, fmt.Errorf("identifier hasher: %w", err)
	}

	siteVerifyReplay, err := challenge.NewReplaySet(siteVerifyReplayMaxSize)
	if err != nil {
		return nil, fmt.Errorf("site-verify replay set: %w", err)
	}

	return engine.New(apiKeys, sessions, challenges, pow, riskEngine, blocker, puzzles,
		idHasher, geo.NoopLookup{}, siteVerifyReplay, []byte(secret), trustedIPHeader), nil
}

// seedDevApiKey registers one ApiKey so a freshly started server is
// immediately exercisable without a provisioning API, which this module
// does not implement. The site key is logged once at startup; the secret is
// not logged.
func seedDevApiKey(store *apikey.MemoryStore, serverSecret string) {
	secretSuffix := serverSecret
	if len(secretSuffix) > 16 {
		secretSuffix = secretSuffix[:16]
	}

	key := &apikey.ApiKey{
		ID:            1,
		PublicIdent:   "pk_dev_00000000",
		Secret:        "sk_dev_" + secretSuffix,
		AllowedDomain: "*",
		IsActive:      true,
		Settings:      apikey.DefaultSecuritySettings(),
	}
	store.Put(key)

	slog.Info("Seeded development ApiKey", "siteKey", key.PublicIdent, "allowedDomain", key.AllowedDomain)
}

// closeIfCloser releases a challenge.Store's underlying resources when it
// has any to release; challenge.MemoryStore does not implement this.
func closeIfCloser(store challenge.Store) {
	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}
}

func runJobs(ctx context.Context, jobs []common.PeriodicJob) {
	for _, j := range jobs {
		go common.RunPeriodicJob(ctx, j)
	}
}

func createListener(ctx context.Context, cfg common.ConfigStore) (net.Listener, error) {
	address := cfg.Get(common.ListenAddrKey).Value()
	if address == "" {
		address = defaultListenAddr
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to listen", "address", address, common.ErrAttr(err))
		return nil, err
	}
	return listener, nil
}

func run(ctx context.Context, cfg common.ConfigStore, listener net.Listener) error {
	verbose := common.EnvToBool(cfg.Get(common.VerboseKey).Value())

	e, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeIfCloser(e.Challenges)

	e.Events = engine.NewEventRecorder(0, engine.LogEventSink)

	metrics := monitoring.NewService()
	allowedOrigins := func(origin string) bool { return true }
	limiter := ratelimit.NewIPLimiter(ratelimit.IPLimiterConfig{
		Name:          "protocol",
		TrustedHeader: trustedIPHeader,
		MaxBuckets:    ipRateLimitMaxBuckets,
		Capacity:      ipRateLimitCapacity,
		LeakInterval:  ipRateLimitInterval,
	})
	defer limiter.Close()
	t := transport.New(e, metrics, limiter, allowedOrigins, verbose)

	router := http.NewServeMux()
	t.Setup(router)

	ongoingCtx, stopOngoingGracefully := context.WithCancel(context.Background())
	defer stopOngoingGracefully()

	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()

	go e.Events.Run(common.TraceContext(jobsCtx, "verification_events"))

	runJobs(common.TraceContext(jobsCtx, "jobs"), []common.PeriodicJob{
		&challenge.SweepJob{Store: e.Challenges},
		&challenge.ReplaySetStatsJob{Name_: "verify_replay_stats", Set: e.SiteVerifyReplay, Metrics: metrics},
		&session.SweepJob{Cache: e.Sessions},
		&ipblock.SweepJob{Blocker: e.Blocker},
		e.HandshakeLimiterCleanupJob(),
	})

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1024 * 1024,
		BaseContext: func(_ net.Listener) context.Context {
			return ongoingCtx
		},
	}

	quit := make(chan struct{})
	quitFunc := func(ctx context.Context) {
		slog.DebugContext(ctx, "Server quit triggered")
		time.Sleep(_readinessDrainDelay)
		close(quit)
	}

	go func(ctx context.Context) {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer func() {
			signal.Stop(signals)
			close(signals)
		}()
		for {
			sig, ok := <-signals
			if !ok {
				return
			}
			slog.DebugContext(ctx, "Received signal", "signal", sig)
			switch sig {
			case syscall.SIGHUP:
				if uerr := env.Update(); uerr != nil {
					slog.ErrorContext(ctx, "Failed to update environment", common.ErrAttr(uerr))
				}
				cfg.Update(ctx)
			case syscall.SIGINT, syscall.SIGTERM:
				quitFunc(ctx)
				return
			}
		}
	}(ctx)

	go func() {
		slog.InfoContext(ctx, "Serving protocol API", "address", listener.Addr().String())
		if serr := httpServer.Serve(listener); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "Error serving protocol API", common.ErrAttr(serr))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-quit
		slog.DebugContext(ctx, "Shutting down gracefully")
		stopJobs()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
		defer cancel()
		httpServer.SetKeepAlivesEnabled(false)
		serr := httpServer.Shutdown(shutdownCtx)
		stopOngoingGracefully()
		if serr != nil {
			slog.ErrorContext(ctx, "Failed to shut down gracefully", common.ErrAttr(serr))
			time.Sleep(_shutdownHardPeriod)
		}
		slog.DebugContext(ctx, "Shutdown finished")
	}()

	wg.Wait()
	return nil
}

func main() {
	flag.Parse()

	var err error
	env, err = common.NewEnvMap(*envFileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	}

	cfg := config.NewEnvConfig(env.Get)

	stage := cfg.Get(common.StageKey).Value()
	verbose := common.EnvToBool(cfg.Get(common.VerboseKey).Value())
	common.SetupLogs(stage, verbose)

	ctx := common.TraceContext(context.Background(), "main")

	listener, lerr := createListener(ctx, cfg)
	if lerr != nil {
		fmt.Fprintf(os.Stderr, "%s\n", lerr)
		os.Exit(1)
	}

	if err := run(ctx, cfg, listener); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
