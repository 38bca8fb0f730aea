/*
scheduler.go - Periodic conflict scans

PURPOSE:
  Runs the scanner on an interval, publishes the number of open conflicts
  and hands each conflict to the optional policy.

DESIGN:
  - Background goroutine with a configurable interval
  - Scans once immediately on start
  - A policy failure on one conflict does not stop the run; the conflict
    stays open and is retried on the next tick

USAGE:
  sched := conflict.NewScheduler(scanner, resolver, logger)
  sched.Policy = conflict.BackorderPolicy{MaxShortfall: 2}
  sched.Start()
  defer sched.Stop()

SEE ALSO:
  - scanner.go, resolver.go, policy.go
*/
package conflict

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const DefaultScanInterval = 5 * time.Minute

var (
	openConflicts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stock_conflicts_open",
		Help: "Negative balances found by the last scan",
	})
	scanRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_conflict_scans_total",
		Help: "Scheduled conflict scans by status",
	}, []string{"status"})
)

// RunSummary describes one scheduled scan.
type RunSummary struct {
	StartedAt time.Time
	Open      int
	Resolved  int
	Failed    int
}

// Scheduler runs scans in the background.
type Scheduler struct {
	Scanner  *Scanner
	Resolver *Resolver
	Policy   Policy // optional
	Filter   ScanFilter
	Interval time.Duration
	Enabled  bool
	Logger   zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   RunSummary
}

func NewScheduler(scanner *Scanner, resolver *Resolver, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Scanner:  scanner,
		Resolver: resolver,
		Interval: DefaultScanInterval,
		Enabled:  true,
		Logger:   logger.With().Str("component", "conflict_scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info().Dur("interval", s.Interval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight scan.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	ticker, stop := s.ticker, s.stop
	s.ticker, s.stop = nil, nil
	s.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
		s.wg.Wait()
		s.Logger.Info().Msg("stopped")
	}
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one scan (and policy pass) synchronously.
func (s *Scheduler) RunNow(ctx context.Context) RunSummary {
	summary := RunSummary{StartedAt: time.Now()}

	conflicts, err := s.Scanner.Scan(ctx, s.Filter)
	if err != nil {
		scanRuns.WithLabelValues("failed").Inc()
		s.Logger.Error().Err(err).Msg("scan failed")
		return summary
	}
	summary.Open = len(conflicts)

	if s.Policy != nil && s.Resolver != nil {
		for _, c := range conflicts {
			res, ok := s.Policy.Decide(c)
			if !ok {
				continue
			}
			result, err := s.Resolver.Resolve(ctx, res)
			if err != nil {
				summary.Failed++
				s.Logger.Error().Err(err).Str("key", c.Key.String()).Msg("policy resolution failed")
				continue
			}
			if result.After >= 0 {
				summary.Open--
				summary.Resolved++
			}
		}
	}

	openConflicts.Set(float64(summary.Open))
	scanRuns.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()

	if summary.Open > 0 || summary.Resolved > 0 || summary.Failed > 0 {
		s.Logger.Info().
			Int("open", summary.Open).
			Int("resolved", summary.Resolved).
			Int("failed", summary.Failed).
			Msg("scan completed")
	}
	return summary
}

// LastRun returns the summary of the most recent scan.
func (s *Scheduler) LastRun() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
