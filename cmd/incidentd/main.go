// Command incidentd is the process entrypoint for the detection-promotion-
// incident control plane. Grounded on the teacher's cmd/helm dispatcher: a
// thin Run(args, stdout, stderr) int shell around a handful of subcommands,
// with "server" wiring every subsystem on SQLite unless STORAGE_DRIVER is
// "postgres".
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/candidate"
	"github.com/opx/control-plane/pkg/config"
	"github.com/opx/control-plane/pkg/detection"
	"github.com/opx/control-plane/pkg/evidence"
	"github.com/opx/control-plane/pkg/eventbus"
	"github.com/opx/control-plane/pkg/httpapi"
	"github.com/opx/control-plane/pkg/idempotency"
	"github.com/opx/control-plane/pkg/incident"
	"github.com/opx/control-plane/pkg/observability"
	"github.com/opx/control-plane/pkg/orchestration"
	"github.com/opx/control-plane/pkg/outcome"
	"github.com/opx/control-plane/pkg/promotion"
	"github.com/opx/control-plane/pkg/ratelimit"
	"github.com/opx/control-plane/pkg/replay"
	"github.com/opx/control-plane/pkg/rules"
	"github.com/opx/control-plane/pkg/signal"
	"github.com/opx/control-plane/pkg/storage"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint: every subcommand is dispatched here
// rather than in main, so tests can drive it without touching os.Args.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stdout, stderr)
	case "doctor":
		return runDoctor(stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "ingest":
		return runIngest(os.Stdin, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "incidentd — detection to incident control plane")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage: incidentd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  server   run the HTTP server (default)")
	fmt.Fprintln(w, "  doctor   check storage connectivity and rule catalogs")
	fmt.Fprintln(w, "  replay   verify a persisted incident's hash chain (replay <incident-id>)")
	fmt.Fprintln(w, "  ingest   run one normalized signal (read as JSON on stdin) through")
	fmt.Fprintln(w, "           detection -> evidence -> candidate generation")
	fmt.Fprintln(w, "  health   check a running server's /health endpoint")
	fmt.Fprintln(w, "  help     show this message")
}

// subsystems is everything runServer, runDoctor, and runIngest all need
// built from config — split out so every command shares exactly one wiring
// path.
type subsystems struct {
	db                 *sql.DB
	store              storage.Store
	orchestrator       *orchestration.Orchestrator
	incidents          *incident.Manager
	outcomes           *outcome.Recorder
	detections         *detection.Engine
	detectionCatalog   *rules.DetectionCatalog
	correlationCatalog *rules.CorrelationCatalog
	promotions         *rules.PromotionCatalog
	limiter            ratelimit.Limiter
	tokens             *authority.TokenValidator
	bus                eventbus.Emitter
	logger             *slog.Logger
}

func buildSubsystems(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*subsystems, error) {
	driverName := "sqlite"
	if cfg.StorageDrive == "postgres" {
		driverName = "postgres"
	}
	db, err := sql.Open(driverName, cfg.StorageDSN)
	if err != nil {
		return nil, fmt.Errorf("incidentd: open %s storage: %w", cfg.StorageDrive, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("incidentd: ping %s storage: %w", cfg.StorageDrive, err)
	}

	var store storage.Store
	if cfg.StorageDrive == "postgres" {
		pg, err := storage.NewPostgresStore(db)
		if err != nil {
			return nil, fmt.Errorf("incidentd: init postgres store: %w", err)
		}
		store = pg
	} else {
		lite, err := storage.NewSQLiteStore(db)
		if err != nil {
			return nil, fmt.Errorf("incidentd: init sqlite store: %w", err)
		}
		store = lite
	}

	promotionCatalog := rules.NewPromotionCatalog()
	detectionCatalog := rules.NewDetectionCatalog()
	correlationCatalog := rules.NewCorrelationCatalog()
	if dir := os.Getenv("PROMOTION_POLICY_DIR"); dir != "" {
		if err := promotionCatalog.LoadAll(dir); err != nil {
			return nil, fmt.Errorf("incidentd: load promotion policies: %w", err)
		}
	}
	if dir := os.Getenv("DETECTION_RULE_DIR"); dir != "" {
		if err := detectionCatalog.LoadAll(dir); err != nil {
			return nil, fmt.Errorf("incidentd: load detection rules: %w", err)
		}
	}
	if dir := os.Getenv("CORRELATION_RULE_DIR"); dir != "" {
		if err := correlationCatalog.LoadAll(dir); err != nil {
			return nil, fmt.Errorf("incidentd: load correlation rules: %w", err)
		}
	}

	var limiter ratelimit.Limiter
	var bus eventbus.Emitter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.NewRedisLimiter(client)
		bus = eventbus.NewRedisBus(client, "incidentd.events", logger)
	} else {
		limiter = ratelimit.NewInMemoryLimiter()
		bus = eventbus.NoopBus{}
	}
	events := &busEventAdapter{bus: bus}

	loader := &candidateLoader{store: store}
	promotionEngine, err := promotion.NewEngine(loader, store, store, json.Marshal, events)
	if err != nil {
		return nil, fmt.Errorf("incidentd: init promotion engine: %w", err)
	}

	detections := detection.NewEngine(store, events, json.Marshal)
	incidents := incident.NewManager(store, json.Marshal, json.Unmarshal, events)
	outcomes := outcome.NewRecorder(store, &earliestSignalLookup{store: store}, json.Marshal)
	ledger := idempotency.NewLedger(store, json.Marshal, json.Unmarshal)
	orch := orchestration.NewOrchestrator(ledger, promotionEngine, incidents, store, json.Marshal)

	tokens := authority.NewTokenValidator(hmacKeyFunc(cfg.JWTSigningKey))

	return &subsystems{
		db:                 db,
		store:              store,
		orchestrator:       orch,
		incidents:          incidents,
		outcomes:           outcomes,
		detections:         detections,
		detectionCatalog:   detectionCatalog,
		correlationCatalog: correlationCatalog,
		promotions:         promotionCatalog,
		limiter:            limiter,
		tokens:             tokens,
		bus:                bus,
		logger:             logger,
	}, nil
}

// busEventAdapter bridges the best-effort eventbus.Emitter shape (no error
// return) to the detection/promotion/incident packages' own narrow
// EventEmitter interfaces (Emit returns error), so one bus construction in
// buildSubsystems serves all three.
type busEventAdapter struct {
	bus eventbus.Emitter
}

func (a *busEventAdapter) Emit(ctx context.Context, eventType string, payload []byte) error {
	a.bus.Emit(ctx, eventbus.Event{Type: eventType, Payload: payload, EmittedAt: time.Now()})
	return nil
}

func runServer(stdout, stderr io.Writer) int {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stdout, nil))
	cfg := config.Load()

	sys, err := buildSubsystems(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "incidentd: %v\n", err)
		return 1
	}
	defer sys.db.Close()

	obsProvider, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		logger.Warn("observability provider init failed, continuing without it", "error", err)
	} else {
		defer obsProvider.Shutdown(ctx)
	}

	server := httpapi.NewServer(sys.orchestrator, sys.incidents, sys.outcomes, sys.promotions, sys.tokens, time.Now)
	throttle := httpapi.NewInboundThrottle(sys.limiter, ratelimit.Policy{RequestsPerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst})

	mux := http.NewServeMux()
	mux.Handle("/", throttle.Middleware(server.Routes()))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	go func() {
		logger.Info("incidentd: listening", "addr", httpServer.Addr, "storage", cfg.StorageDrive)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("incidentd: server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("incidentd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("incidentd: shutdown error", "error", err)
		return 1
	}
	return 0
}

// checkResult is one doctor check's outcome, mirrored on the teacher's
// init-trust doctor command.
type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

func runDoctor(stdout, stderr io.Writer) int {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stdout, nil))
	cfg := config.Load()

	var results []checkResult
	allOK := true
	record := func(name, status, detail string) {
		results = append(results, checkResult{Name: name, Status: status, Detail: detail})
		if status == "fail" {
			allOK = false
		}
	}

	sys, err := buildSubsystems(ctx, cfg, logger)
	if err != nil {
		record("storage", "fail", err.Error())
	} else {
		defer sys.db.Close()
		record("storage", "ok", fmt.Sprintf("%s: %s", cfg.StorageDrive, cfg.StorageDSN))

		if _, err := sys.limiter.Allow(ctx, ratelimit.Key{AuthorityID: "doctor", AuthorityType: "DOCTOR", Action: "CHECK"}, ratelimit.Policy{RequestsPerMinute: 60, Burst: 1}); err != nil {
			record("rate_limiter", "fail", err.Error())
		} else {
			record("rate_limiter", "ok", "")
		}
	}

	detStatus, detDetail := doctorCatalogCheck(os.Getenv("DETECTION_RULE_DIR"), func(dir string) error {
		return rules.NewDetectionCatalog().LoadAll(dir)
	})
	record("detection_catalog", detStatus, detDetail)

	corrStatus, corrDetail := doctorCatalogCheck(os.Getenv("CORRELATION_RULE_DIR"), func(dir string) error {
		return rules.NewCorrelationCatalog().LoadAll(dir)
	})
	record("correlation_catalog", corrStatus, corrDetail)

	promoStatus, promoDetail := doctorCatalogCheck(os.Getenv("PROMOTION_POLICY_DIR"), func(dir string) error {
		return rules.NewPromotionCatalog().LoadAll(dir)
	})
	record("promotion_catalog", promoStatus, promoDetail)

	fmt.Fprintln(stdout, "incidentd doctor")
	fmt.Fprintln(stdout, "----------------")
	for _, r := range results {
		fmt.Fprintf(stdout, "  %-20s %-5s %s\n", r.Name, r.Status, r.Detail)
	}

	if !allOK {
		fmt.Fprintln(stderr, "incidentd doctor: one or more checks failed")
		return 1
	}
	fmt.Fprintln(stdout, "incidentd doctor: all checks passed")
	return 0
}

// doctorCatalogCheck loads a rule catalog via load and reports its
// pass/fail status and detail string in one call, skipping entirely (warn,
// not fail) when the directory isn't configured.
func doctorCatalogCheck(dir string, load func(string) error) (status, detail string) {
	if dir == "" {
		return "warn", "directory not configured, skipped"
	}
	if err := load(dir); err != nil {
		return "fail", err.Error()
	}
	return "ok", dir
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: incidentd replay <incident-id>")
		return 2
	}
	incidentID := args[0]

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stdout, nil))
	cfg := config.Load()

	sys, err := buildSubsystems(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "incidentd: %v\n", err)
		return 1
	}
	defer sys.db.Close()

	inc, found, err := sys.incidents.Get(ctx, incidentID)
	if err != nil {
		fmt.Fprintf(stderr, "incidentd: load incident %s: %v\n", incidentID, err)
		return 1
	}
	if !found {
		fmt.Fprintf(stderr, "incidentd: no such incident %s\n", incidentID)
		return 1
	}

	result, err := replay.VerifyIncidentTimeline(inc)
	if err != nil {
		fmt.Fprintf(stderr, "incidentd: replay %s: %v\n", incidentID, err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)

	if !result.Valid {
		return 1
	}
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// candidateLoader adapts the shared storage.Store into promotion.CandidateLoader.
type candidateLoader struct {
	store interface {
		Get(ctx context.Context, namespace, pk string) ([]byte, bool, error)
	}
}

func (l *candidateLoader) LoadCandidate(ctx context.Context, candidateID string) (*candidate.Candidate, bool, error) {
	payload, found, err := l.store.Get(ctx, "candidates", candidateID)
	if err != nil {
		return nil, false, apierr.Infra("CANDIDATE_LOAD_FAILED", "failed to load candidate", err)
	}
	if !found {
		return nil, false, nil
	}
	var c candidate.Candidate
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, false, apierr.GateInternal("CANDIDATE_UNMARSHAL_FAILED", "failed to unmarshal candidate", err)
	}
	return &c, true, nil
}

// earliestSignalLookup adapts the shared store's detections-by-evidence
// index into outcome.SignalTimestampLookup.
type earliestSignalLookup struct {
	store interface {
		QueryByIndex(ctx context.Context, namespace, attribute, value string, limit int) ([]storage.Record, error)
	}
}

func (l *earliestSignalLookup) EarliestSignalTimestamp(ctx context.Context, evidenceID string) (time.Time, bool, error) {
	records, err := l.store.QueryByIndex(ctx, "detections", "evidence_id", evidenceID, 1)
	if err != nil {
		return time.Time{}, false, apierr.Infra("SIGNAL_LOOKUP_FAILED", "failed to look up earliest signal timestamp", err)
	}
	if len(records) == 0 {
		return time.Time{}, false, nil
	}
	var payload struct {
		SignalTimestamp time.Time `json:"signal_timestamp"`
	}
	if err := json.Unmarshal(records[0].Payload, &payload); err != nil {
		return time.Time{}, false, apierr.GateInternal("SIGNAL_UNMARSHAL_FAILED", "failed to unmarshal detection", err)
	}
	return payload.SignalTimestamp, true, nil
}

// hmacKeyFunc returns a jwt.Keyfunc bound to the configured HMAC signing
// key. Rejects any token whose alg isn't HMAC, regardless of what the token
// itself claims, so a forged header can't pick its own verification path.
func hmacKeyFunc(signingKey string) jwt.Keyfunc {
	key := []byte(signingKey)
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("incidentd: unexpected signing method %v", token.Header["alg"])
		}
		return key, nil
	}
}
