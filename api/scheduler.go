/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Replays every account from its transaction log on a fixed interval and
  reports accounts whose stored balance or lifetime earned disagrees with
  the log. It never repairs anything; drift is logged and counted.

  The same loop drops idle rate limiter buckets.

DESIGN:
  - One background goroutine with a ticker
  - Runs once immediately on Start
  - Stop waits for the running audit to finish
  - The last report is kept for GET /api/audit

USAGE:
  scheduler := NewAuditScheduler(ledger, limiter, logger)
  scheduler.CheckInterval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loyalty/ledger.go: Audit, ReplayAccount
  - handlers.go: ReplayAccount endpoint (single account)
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/loyalty"
)

// AuditScheduler runs loyalty.Ledger.Audit periodically.
type AuditScheduler struct {
	Ledger        *loyalty.Ledger
	Limiter       *RateLimiter
	Log           logrus.FieldLogger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *AuditRunDTO
}

// AuditRunDTO is the outcome of one audit run.
type AuditRunDTO struct {
	StartedAt  string       `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
	Programs   int          `json:"programs"`
	Accounts   int          `json:"accounts"`
	Drifted    []AccountDTO `json:"drifted"`
	Error      string       `json:"error,omitempty"`
}

// NewAuditScheduler creates a scheduler. limiter may be nil.
func NewAuditScheduler(ledger *loyalty.Ledger, limiter *RateLimiter, log logrus.FieldLogger) *AuditScheduler {
	return &AuditScheduler{
		Ledger:        ledger,
		Limiter:       limiter,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled || as.CheckInterval <= 0 {
		as.Log.Info("audit scheduler disabled")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)
	go as.run()

	as.Log.WithField("interval", as.CheckInterval.String()).Info("audit scheduler started")
}

// Stop stops the scheduler and waits for a running audit.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Log.Info("audit scheduler stopped")
	}
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-as.stop
		cancel()
	}()

	as.RunOnce(ctx)
	for {
		select {
		case <-as.ticker.C:
			as.RunOnce(ctx)
		case <-as.stop:
			return
		}
	}
}

// RunOnce performs one audit and limiter cleanup.
func (as *AuditScheduler) RunOnce(ctx context.Context) AuditRunDTO {
	start := time.Now()
	report, err := as.Ledger.Audit(ctx)

	run := AuditRunDTO{
		StartedAt:  formatTime(start),
		DurationMS: time.Since(start).Milliseconds(),
		Programs:   report.Programs,
		Accounts:   report.Accounts,
		Drifted:    make([]AccountDTO, len(report.Drifted)),
	}
	for i, r := range report.Drifted {
		run.Drifted[i] = toAccountDTO(loyalty.AccountView{Account: r.Stored})
	}

	entry := as.Log.WithFields(logrus.Fields{
		"programs": run.Programs,
		"accounts": run.Accounts,
		"drifted":  len(run.Drifted),
	})
	switch {
	case err != nil:
		run.Error = err.Error()
		entry.WithError(err).Error("audit failed")
	case len(run.Drifted) > 0:
		entry.Error("audit found drifted accounts")
	default:
		entry.Debug("audit completed")
	}

	if as.Limiter != nil {
		as.Limiter.Cleanup(as.CheckInterval)
	}

	as.lastMu.Lock()
	as.last = &run
	as.lastMu.Unlock()
	return run
}

// LastRun returns the most recent audit, or nil before the first run.
func (as *AuditScheduler) LastRun() *AuditRunDTO {
	as.lastMu.RLock()
	defer as.lastMu.RUnlock()
	return as.last
}

// =============================================================================
// HTTP
// =============================================================================

// GetLastAudit returns the last audit run (null before the first run).
func (as *AuditScheduler) GetLastAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, as.LastRun())
}

// TriggerAudit runs an audit synchronously.
func (as *AuditScheduler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	run := as.RunOnce(r.Context())
	status := http.StatusOK
	if run.Error != "" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, run)
}
