package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gavelhq/gavel/internal/approval"
	"github.com/gavelhq/gavel/internal/blastbox"
	"github.com/gavelhq/gavel/internal/config"
	"github.com/gavelhq/gavel/internal/gateway"
	"github.com/gavelhq/gavel/internal/httpx"
	"github.com/gavelhq/gavel/internal/identity"
	"github.com/gavelhq/gavel/internal/ledger"
	"github.com/gavelhq/gavel/internal/observability"
	"github.com/gavelhq/gavel/internal/policy"

	_ "github.com/lib/pq"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI entrypoint, kept separate from main so it can be driven
// from tests with fake args and captured output.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		runServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		runServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(stdout, stderr)
	case "reload":
		return runReloadCmd(stdout, stderr)
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
	fmt.Fprintln(w, "gavel — governance control plane between agents and side-effecting actions")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  gavel <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server, serve   Run the gateway (default)")
	fmt.Fprintln(w, "  health          Check gateway health over HTTP")
	fmt.Fprintln(w, "  verify          Walk the ledger and report chain_valid / break_at")
	fmt.Fprintln(w, "  export          Export an evidence bundle to stdout as JSON")
	fmt.Fprintln(w, "  sweep           Run one approval-timeout sweep and exit")
	fmt.Fprintln(w, "  reload          Validate identities.json without starting the server")
	fmt.Fprintln(w, "  help            Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "A running server reloads identities.json on SIGHUP.")
}

// buildLedger opens either the Postgres or embedded SQLite backend
// depending on DATABASE_URL, mirroring the "Lite Mode" fallback: an unset
// DATABASE_URL means no external dependency is required to run gavel.
func buildLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	if cfg.DatabaseURL == "" {
		path := "./gavel.db"
		lite, err := ledger.NewSQLiteLedger(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite lite mode: %w", err)
		}
		if err := lite.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		slog.Info("ledger backend selected", "backend", "sqlite-lite-mode", "path", path)
		return lite, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	pg := ledger.NewPostgresLedger(db)
	if err := pg.Init(ctx); err != nil {
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	slog.Info("ledger backend selected", "backend", "postgres")
	return pg, nil
}

func buildGateway(ctx context.Context, cfg *config.Config) (*gateway.Gateway, ledger.Ledger, error) {
	l, err := buildLedger(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	identities, err := identity.Load(cfg.IdentitiesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load identities: %w", err)
	}

	var ext *policy.Extension
	if cfg.PolicyRulesPath != "" {
		set, err := policy.LoadRules(cfg.PolicyRulesPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load policy rules: %w", err)
		}
		ext, err = policy.NewExtension(set)
		if err != nil {
			return nil, nil, fmt.Errorf("compile policy rules: %w", err)
		}
	}

	validator, err := gateway.NewIntentValidator("")
	if err != nil {
		return nil, nil, fmt.Errorf("build intent validator: %w", err)
	}

	approvals := approval.NewRegistry(l, cfg.ApprovalTTL)
	if cfg.ApprovalTemplatesPath != "" {
		templates, err := approval.LoadTemplates(cfg.ApprovalTemplatesPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load approval templates: %w", err)
		}
		approvals = approvals.WithTemplates(templates)
	}

	g := &gateway.Gateway{
		Ledger:     l,
		Identities: identities,
		Bearer:     identity.NewBearerAuthenticator(cfg.HumanAPIKey),
		Approvals:  approvals,
		PolicyExt:  ext,
		Validator:  validator,
		BlastBox: blastbox.Config{
			Image:          cfg.BlastBoxImage,
			NetworkMode:    cfg.BlastBoxNetworkMode,
			MemoryLimit:    cfg.BlastBoxMemory,
			CPUs:           cfg.BlastBoxCPUs,
			TimeoutSeconds: cfg.BlastBoxTimeoutSeconds,
			Workspace:      cfg.BlastBoxWorkspace,
		},
		MaxConcurrentBlastBox: cfg.BlastBoxMaxConcurrent,
		ReviewAllowPaths:      cfg.EvidenceReviewAllowPaths,
	}
	return g, l, nil
}

func runServer() {
	ctx := context.Background()
	cfg := config.Load()

	g, l, err := buildGateway(ctx, cfg)
	if err != nil {
		log.Fatalf("gavel: startup failed: %v", err)
	}
	defer l.Close()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "gavel",
		ServiceVersion: policy.Version,
		OTLPEndpoint:   cfg.OTELExporterOTLP,
	})
	if err != nil {
		log.Fatalf("gavel: observability init failed: %v", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	routerCfg := gateway.RouterConfig{}
	if cfg.RedisURL != "" {
		addr, password, db := parseRedisURL(cfg.RedisURL)
		redisLimiter := httpx.NewRedisRateLimiter(addr, password, db, 20, 40)
		routerCfg.RateLimit = redisLimiter.Middleware
		routerCfg.Idempotency = httpx.NewRedisIdempotencyStore(addr, password, db, time.Hour)
	} else {
		limiter := httpx.NewRateLimiter(20, 40)
		routerCfg.RateLimit = limiter.Middleware
		routerCfg.Idempotency = httpx.NewMemoryIdempotencyStore(time.Hour)
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	g.RunBackgroundSweep(sweepCtx, gateway.DefaultTimeoutSweepInterval)

	router := g.NewRouter(routerCfg)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		log.Printf("gavel: listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gavel: server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := g.Identities.Reload(); err != nil {
				log.Printf("gavel: identities reload failed: %v", err)
			} else {
				log.Println("gavel: identities reloaded")
			}
			continue
		}
		break
	}
	log.Println("gavel: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runHealthCmd(_, errOut io.Writer) int {
	port := config.Load().Port
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	io.Copy(os.Stdout, resp.Body)
	return 0
}

func runVerifyCmd(_ []string, stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()
	l, err := buildLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	defer l.Close()

	result, err := l.Verify(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if !result.ChainValid {
		return 1
	}
	return 0
}

func runExportCmd(_ []string, stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()
	l, err := buildLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	defer l.Close()

	bundle, err := ledger.ExportBundle(ctx, l, ledger.Filter{})
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return boolToExit(enc.Encode(bundle) == nil)
}

func runSweepCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()
	l, err := buildLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	defer l.Close()

	registry := approval.NewRegistry(l, cfg.ApprovalTTL)
	denied, err := registry.CheckTimeouts(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "sweep: auto-denied %d escalated intent(s)\n", len(denied))
	return 0
}

// runReloadCmd is a dry-run: it parses identities.json the same way the
// running server would and reports whether it is well-formed, without
// affecting any running process. Use `kill -HUP` on a running server to
// apply a changed identities.json.
func runReloadCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	if _, err := identity.Load(cfg.IdentitiesPath); err != nil {
		fmt.Fprintf(stderr, "reload: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "reload: %s is well-formed\n", cfg.IdentitiesPath)
	return 0
}

func boolToExit(ok bool) int {
	if ok {
		return 0
	}
	return 1
}

// parseRedisURL extracts the host:port, password, and DB index go-redis's
// Options struct wants from a redis://[:password@]host:port[/db] URL,
// falling back to treating the whole string as a bare addr if it doesn't
// parse as a URL.
func parseRedisURL(raw string) (addr, password string, db int) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, "", 0
	}
	addr = u.Host
	if pw, ok := u.User.Password(); ok {
		password = pw
	}
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		if n, err := strconv.Atoi(path); err == nil {
			db = n
		}
	}
	return addr, password, db
}
