package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers/gateway"
	"server/internal/store"
)

// Scanner is the pull half of reconciliation: it periodically finds batches
// that have sat in processing past the staleness threshold, polls the
// provider for their outstanding jobs, and feeds whatever it learns into the
// reconciler. It is the bound on how long a missed webhook can leave a batch
// stuck.
type Scanner struct {
	store        store.RecordStore
	gateways     map[domain.Provider]gateway.Gateway
	reconciler   *Reconciler
	interval     time.Duration
	staleness    time.Duration
	checkTimeout time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	stop chan struct{}
	done chan struct{}
}

// ScannerOptions bundles the scanner's knobs. Zero values fall back to
// defaults chosen for production; tests inject short ones and drive Sweep
// directly.
type ScannerOptions struct {
	Interval     time.Duration
	Staleness    time.Duration
	CheckTimeout time.Duration
	Now          func() time.Time
}

func NewScanner(st store.RecordStore, gateways map[domain.Provider]gateway.Gateway, rec *Reconciler, opts ScannerOptions, logger zerolog.Logger) *Scanner {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 3 * time.Minute
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 20 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{
		store:        st,
		gateways:     gateways,
		reconciler:   rec,
		interval:     opts.Interval,
		staleness:    opts.Staleness,
		checkTimeout: opts.CheckTimeout,
		logger:       logger,
		now:          opts.Now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		s.logger.Info().Dur("interval", s.interval).Dur("staleness", s.staleness).Msg("scanner: started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-time.After(s.interval):
			}
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scanner: sweep aborted")
			}
		}
	}()
}

// Stop halts the loop and waits for the current sweep to finish. In-flight
// merges are never interrupted mid-record.
func (s *Scanner) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep runs one scan cycle. A failure while processing one record is logged
// and never stops the others; only a store failure listing the records aborts
// the cycle.
func (s *Scanner) Sweep(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.staleness)
	stale, err := s.store.QueryStale(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	s.logger.Debug().Int("count", len(stale)).Msg("scanner: stale batches found")
	for i := range stale {
		s.sweepRecord(ctx, &stale[i])
	}
	return nil
}

func (s *Scanner) sweepRecord(ctx context.Context, rec *domain.BatchRecord) {
	gw, ok := s.gateways[rec.Provider]
	if !ok {
		s.logger.Error().Str("record_id", rec.ID).Str("provider", string(rec.Provider)).Msg("scanner: no gateway for provider")
		return
	}
	for _, jobID := range rec.Pending() {
		result, err := s.checkStatus(ctx, gw, jobID)
		if err != nil {
			// No information gained; the job stays pending until the
			// next cycle.
			s.logger.Warn().Err(err).Str("record_id", rec.ID).Str("job_id", jobID).Msg("scanner: status check failed")
			continue
		}
		if result.State == gateway.StatePending {
			continue
		}
		if err := s.reconciler.MergeCompletion(ctx, rec.ID, jobID, result); err != nil {
			s.logger.Error().Err(err).Str("record_id", rec.ID).Str("job_id", jobID).Msg("scanner: merge failed")
		}
	}
}

func (s *Scanner) checkStatus(ctx context.Context, gw gateway.Gateway, jobID string) (gateway.StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()
	return gw.CheckStatus(ctx, jobID)
}
