package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/mcclellann/ngoLedger/pkg/config"
	"github.com/mcclellann/ngoLedger/pkg/idempotency"
	"github.com/mcclellann/ngoLedger/pkg/ledger"
	"github.com/mcclellann/ngoLedger/pkg/scheduler"
	"github.com/mcclellann/ngoLedger/pkg/store"
)

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	validate *validator.Validate
}

func NewServer(s store.Storage, opts ...ledger.Option) *Server {
	return &Server{
		ledger:   ledger.NewLedger(s, opts...),
		storage:  s,
		validate: ledger.NewValidator(),
	}
}

// routes builds the router. idem may be nil, in which case Idempotency-Key is ignored.
// Only the listed origins get CORS headers.
func (s *Server) routes(idem idempotency.Store, idemTTL time.Duration, origins []string) http.Handler {
	router := mux.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(idempotency.Middleware(idem, idemTTL))

	router.HandleFunc("/health", s.healthHandler).Methods("GET")

	router.HandleFunc("/members", s.listMembersHandler).Methods("GET")
	router.HandleFunc("/members", s.createMemberHandler).Methods("POST")
	router.HandleFunc("/members/{id}", s.getMemberHandler).Methods("GET")
	router.HandleFunc("/members/{id}", s.deleteMemberHandler).Methods("DELETE")
	router.HandleFunc("/members/{id}/deactivate", s.deactivateMemberHandler).Methods("POST")
	router.HandleFunc("/members/{id}/savings", s.listMemberSavingsHandler).Methods("GET")

	router.HandleFunc("/savings", s.listSavingsHandler).Methods("GET")
	router.HandleFunc("/savings", s.recordSavingsHandler).Methods("POST")

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/overdue", s.markOverdueHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")

	router.HandleFunc("/expenses", s.listExpensesHandler).Methods("GET")
	router.HandleFunc("/expenses", s.createExpenseHandler).Methods("POST")

	router.HandleFunc("/dashboard/summary", s.summaryHandler).Methods("GET")
	router.HandleFunc("/reconciliation", s.reconcileHandler).Methods("GET")
	router.HandleFunc("/reconciliation/rebuild", s.rebuildHandler).Methods("POST")

	// CORS wraps the router so preflight requests are answered before route matching.
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", idempotency.HeaderKey},
		ExposedHeaders:   []string{idempotency.HeaderReplayed},
		AllowCredentials: !slices.Contains(origins, "*"),
		MaxAge:           86400,
	})(router)
}

func openStorage(ctx context.Context, cfg *config.Config) (store.Storage, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.SQLitePath)
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.Postgres)
	case config.DriverMemory:
		log.Println("Using in-memory store; data will not survive a restart.")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	storage, err := openStorage(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("Failed to initialize %s store: %v", cfg.StoreDriver, err)
	}
	defer storage.Close()

	server := NewServer(storage, ledger.WithPolicy(cfg.Policy))

	// A nil *RedisStore must not reach the middleware as a non-nil interface.
	var idem idempotency.Store
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient := idempotency.Connect(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if redisClient != nil {
			defer redisClient.Close()
			idem = idempotency.NewRedisStore(redisClient)
		}
	}

	jobs, err := scheduler.New(server.ledger, scheduler.Config{
		OverdueSpec:   cfg.OverdueSchedule,
		ReconcileSpec: cfg.ReconcileSchedule,
		AutoRepair:    cfg.AutoRepair,
	})
	if err != nil {
		log.Fatalf("Failed to configure scheduler: %v", err)
	}
	jobs.Start()
	defer jobs.Stop()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.routes(idem, cfg.IdempotencyTTL, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s (store: %s)", cfg.Port, cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
