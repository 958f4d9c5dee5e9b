package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gluk-w/portdash/internal/backends"
	"github.com/gluk-w/portdash/internal/config"
	"github.com/gluk-w/portdash/internal/crypto"
	"github.com/gluk-w/portdash/internal/database"
	"github.com/gluk-w/portdash/internal/handlers"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/knownhosts"
	"github.com/gluk-w/portdash/internal/logging"
	"github.com/gluk-w/portdash/internal/logutil"
	"github.com/gluk-w/portdash/internal/middleware"
	"github.com/gluk-w/portdash/internal/scheduler"
	"github.com/gluk-w/portdash/internal/sshkeys"
	"github.com/gluk-w/portdash/internal/sshtunnel"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--test-connection":
			runCLICommand("test-connection")
			return
		case "--migrate-keys":
			runCLICommand("migrate-keys")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	svc, err := initServices()
	if err != nil {
		log.Fatalf("Services init: %v", err)
	}
	handlers.Store = svc.store
	handlers.Manager = svc.manager
	handlers.Tunnels = svc.engine

	ctx := context.Background()
	if path := config.Cfg.InstancesFile; path != "" {
		n, err := database.LoadSeedFile(ctx, svc.store, path)
		if err != nil {
			log.Printf("WARNING: instance seed file: %v", err)
		} else {
			log.Printf("Loaded %d instance(s) from %s", n, path)
		}
	}

	// Regenerate keys stored in formats the SSH client no longer loads
	if _, err := migrateKeys(ctx, svc.store, svc.manager); err != nil {
		log.Printf("WARNING: key format migration: %v", err)
	}

	var health *scheduler.Scheduler
	if config.Cfg.HealthScheduler {
		health = scheduler.New(svc.store, svc.manager, scheduler.DefaultSpec)
		if err := health.Start(); err != nil {
			log.Fatalf("Health scheduler: %v", err)
		}
		handlers.Health = health
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: newRouter(config.Cfg.APIToken),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	if health != nil {
		health.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	svc.manager.Close()
	svc.engine.CloseAll()
	log.Println("Server stopped")
}

type services struct {
	store   *database.Store
	engine  *sshtunnel.Engine
	manager *backends.Manager
}

// initServices builds the connectivity stack over the open database.
func initServices() (*services, error) {
	secret, err := crypto.AppSecret()
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher(secret)
	if err != nil {
		return nil, err
	}

	cfg := config.Cfg
	store := database.NewStore(database.DB)
	engine := sshtunnel.NewEngine(sshtunnel.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		StartupTimeout: cfg.TunnelStartupTimeout,
	})
	trust := knownhosts.NewStore(cfg.KnownHostsPath,
		knownhosts.ExecScanner{Command: cfg.KeyscanCommand, Timeout: cfg.KeyscanTimeout}, cfg.KeyscanTimeout)

	manager := backends.NewManager(backends.Options{
		Store:          store,
		Vault:          sshkeys.NewVault(store, cipher),
		Materializer:   sshkeys.FileMaterializer{Dir: cfg.KeyDir},
		Trust:          trust,
		Tunnels:        engine,
		ConnectTimeout: cfg.ConnectTimeout,
		ProbeTimeout:   cfg.ProbeTimeout,
		RemoteSocket:   cfg.RemoteDockerSocket,
		FallbackPort:   cfg.TunnelFallbackPort,
	})
	manager.OnStateChange(func(id uint, from, to backends.ConnectionState) {
		if to == backends.StateFailed {
			log.Printf("[backends] Instance %d: %s -> %s", id, from, to)
		}
	})
	log.Printf("Connectivity initialized (known_hosts=%s, key_dir=%s)", cfg.KnownHostsPath, cfg.KeyDir)
	return &services{store: store, engine: engine, manager: manager}, nil
}

func newRouter(apiToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(apiToken))

		r.Get("/instances", handlers.ListInstances)
		r.Post("/instances", handlers.CreateInstance)
		r.Get("/instances/{id}", handlers.GetInstance)
		r.Put("/instances/{id}", handlers.ReplaceInstance)
		r.Patch("/instances/{id}", handlers.PatchInstance)
		r.Delete("/instances/{id}", handlers.DeleteInstance)

		r.Post("/instances/{id}/test", handlers.TestInstanceConnection)
		r.Get("/instances/{id}/connection", handlers.GetConnectionStatus)
		r.Get("/instances/{id}/ssh-key", handlers.GetSSHKey)
		r.Post("/instances/{id}/ssh-key", handlers.GenerateSSHKey)
		r.Post("/instances/{id}/ssh-key/migrate", handlers.MigrateSSHKey)

		r.Post("/validate-config", handlers.ValidateConfig)
		r.Get("/server-logs", handlers.GetServerLogs)
	})
	return r
}

type instanceLister interface {
	ListInstances(ctx context.Context) ([]database.Instance, error)
}

type keyMigrator interface {
	MigrateKeyFormat(ctx context.Context, id uint) (*sshkeys.MigrationResult, error)
}

// migrateKeys checks the stored key of every instance that has one and
// regenerates keys in incompatible formats. Returns how many were migrated.
func migrateKeys(ctx context.Context, lister instanceLister, km keyMigrator) (int, error) {
	instances, err := lister.ListInstances(ctx)
	if err != nil {
		return 0, err
	}
	migrated := 0
	for _, inst := range instances {
		if instancecfg.String(inst.ConfigMap(), instancecfg.KeySSHPrivateKeyEncrypted) == "" {
			continue
		}
		res, err := km.MigrateKeyFormat(ctx, inst.ID)
		if err != nil {
			log.Printf("[sshkeys] Key check failed for instance %s: %v", logutil.SanitizeForLog(inst.Name), err)
			continue
		}
		if res.Migrated {
			migrated++
			log.Printf("[sshkeys] Migrated key of instance %s: %s (new fingerprint %s)",
				logutil.SanitizeForLog(inst.Name), res.Reason, res.NewFingerprint)
		}
	}
	return migrated, nil
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "Overall timeout")
	fs.Parse(os.Args[2:])

	var id uint
	if command == "test-connection" {
		n, err := strconv.ParseUint(fs.Arg(0), 10, 64)
		if err != nil || n == 0 {
			fmt.Fprintf(os.Stderr, "Usage: portdash --test-connection [--timeout 30s] <instance-id>\n")
			os.Exit(1)
		}
		id = uint(n)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	svc, err := initServices()
	if err != nil {
		log.Fatalf("Services init: %v", err)
	}
	defer svc.engine.CloseAll()
	defer svc.manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch command {
	case "test-connection":
		res := svc.manager.TestConnection(ctx, id)
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		if !res.Success {
			svc.manager.Close()
			os.Exit(1)
		}

	case "migrate-keys":
		n, err := migrateKeys(ctx, svc.store, svc.manager)
		if err != nil {
			log.Fatalf("Failed to migrate keys: %v", err)
		}
		fmt.Printf("Migrated %d key(s).\n", n)
	}
}
