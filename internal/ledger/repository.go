package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nghyane/codex-mux/internal/config"
	log "github.com/nghyane/codex-mux/internal/logging"
	"github.com/nghyane/codex-mux/internal/resilience"
)

// Repository persists usage records. Write must apply the primary record row
// and the derived per-account totals projection in a single transaction;
// partial application is a correctness bug, not a degraded mode.
type Repository interface {
	Write(ctx context.Context, rec UsageRecord) error
	Totals(ctx context.Context, accountID string) (Totals, error)
	AllTotals(ctx context.Context) (map[string]Totals, error)
	Daily(ctx context.Context, since time.Time) ([]DailyStat, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// DailyStat is one UTC day of usage for one account.
type DailyStat struct {
	Day       string  `json:"day"`
	AccountID string  `json:"account_id"`
	Requests  int64   `json:"requests"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
}

// NewRepository creates the repository selected by the usage DSN. A nil
// repository (with nil error) means persistence is disabled.
func NewRepository(ctx context.Context, cfg config.UsageConfig) (Repository, error) {
	parsed, err := config.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, nil
	}
	switch {
	case parsed.IsPostgres():
		return NewPostgresRepository(ctx, parsed.URL)
	case parsed.IsSQLite():
		return NewSQLiteRepository(parsed.Path)
	default:
		return nil, fmt.Errorf("ledger: unknown usage backend %q", parsed.Backend)
	}
}

// Recorder constants.
const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultRetentionDays = 30
	recordBufferSize     = 1000
)

// Recorder decouples the request path from storage: records are enqueued
// without blocking and written by a background loop. Write failures are
// logged and retried; they never fail a request whose stream completed.
type Recorder struct {
	repo          Repository
	recordChan    chan UsageRecord
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

// NewRecorder wraps repo with async batching. cfg zero-values fall back to
// package defaults.
func NewRecorder(repo Repository, cfg config.UsageConfig) *Recorder {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	return &Recorder{
		repo:          repo,
		recordChan:    make(chan UsageRecord, recordBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}
}

// Start begins the write and cleanup loops.
func (r *Recorder) Start() {
	r.wg.Add(2)
	go r.writeLoop()
	go r.cleanupLoop()
}

// Stop drains pending records and shuts the recorder down.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.flushTicker.Stop()
		r.cleanupTicker.Stop()
		r.wg.Wait()
		if err := r.repo.Close(); err != nil {
			log.WithError(err).Warn("usage repository close failed")
		}
	})
}

// Enqueue adds a record without blocking. A full queue drops the record with
// a warning rather than stalling a live stream.
func (r *Recorder) Enqueue(rec UsageRecord) {
	if r == nil {
		return
	}
	select {
	case r.recordChan <- rec:
	default:
		log.Warnf("usage queue full, dropping record for account %s", rec.AccountID)
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	batch := make([]UsageRecord, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		r.writeBatch(ctx, batch)
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.recordChan:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-r.flushTicker.C:
			flush()
		case <-r.stopChan:
			for {
				select {
				case rec := <-r.recordChan:
					batch = append(batch, rec)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch writes each record under a bounded retry policy. Records that
// still fail are dropped with an error log; by then the in-memory aggregates
// already hold the increments, so the client was never affected.
func (r *Recorder) writeBatch(ctx context.Context, batch []UsageRecord) {
	for i := range batch {
		rec := batch[i]
		if _, err := resilience.Retry(ctx, resilience.DefaultRetryConfig, func() (struct{}, error) {
			return struct{}{}, r.repo.Write(ctx, rec)
		}); err != nil {
			log.Errorf("usage write failed for account %s after retries: %v", rec.AccountID, err)
		}
	}
}

func (r *Recorder) cleanupLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -r.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := r.repo.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				log.WithError(err).Error("usage cleanup failed")
			} else if deleted > 0 {
				log.Infof("cleaned up %d usage records older than %d days", deleted, r.retentionDays)
			}
		case <-r.stopChan:
			return
		}
	}
}
