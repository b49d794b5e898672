package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mcclellann/ngoLedger/pkg/ledger"
	"github.com/robfig/cron/v3"
)

// Jobs is the part of the ledger the background jobs drive.
type Jobs interface {
	MarkOverdueLoans(ctx context.Context, now time.Time) (int, error)
	Reconcile(ctx context.Context) (*ledger.ReconciliationReport, error)
	RebuildAggregates(ctx context.Context) (*ledger.ReconciliationReport, error)
}

type Config struct {
	OverdueSpec   string
	ReconcileSpec string
	AutoRepair    bool
	// JobTimeout bounds a single run. Zero means one minute.
	JobTimeout time.Duration
}

// Scheduler runs the overdue sweep and the reconciliation pass on cron specs.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	cfg     Config
	timeout time.Duration
	now     func() time.Time
}

func New(jobs Jobs, cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		jobs:    jobs,
		cfg:     cfg,
		timeout: cfg.JobTimeout,
		now:     time.Now,
	}
	if s.timeout == 0 {
		s.timeout = time.Minute
	}

	if cfg.OverdueSpec != "" {
		if _, err := s.cron.AddFunc(cfg.OverdueSpec, s.RunOverdueSweep); err != nil {
			return nil, fmt.Errorf("invalid overdue schedule %q: %w", cfg.OverdueSpec, err)
		}
	}
	if cfg.ReconcileSpec != "" {
		if _, err := s.cron.AddFunc(cfg.ReconcileSpec, s.RunReconcile); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.ReconcileSpec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("Scheduler started (overdue: %q, reconcile: %q)", s.cfg.OverdueSpec, s.cfg.ReconcileSpec)
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) RunOverdueSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.jobs.MarkOverdueLoans(ctx, s.now())
	if err != nil {
		log.Printf("Error marking overdue loans: %v", err)
		return
	}
	log.Printf("Overdue sweep finished: %d loan(s) marked overdue", n)
}

func (s *Scheduler) RunReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.jobs.Reconcile(ctx)
	if err != nil {
		log.Printf("Error reconciling ledger: %v", err)
		return
	}
	if report.Consistent() {
		log.Printf("Reconciliation clean: %d member(s), %d loan(s) checked", report.Members, report.Loans)
		return
	}

	log.Printf("Reconciliation found %d violation(s)", len(report.Violations))
	if !s.cfg.AutoRepair {
		return
	}
	repaired, err := s.jobs.RebuildAggregates(ctx)
	if err != nil {
		log.Printf("Error rebuilding aggregates: %v", err)
		return
	}
	log.Printf("Rebuilt aggregates, %d field(s) repaired", len(repaired.Violations))
}
