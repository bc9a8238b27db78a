// Package scheduler drives the time-based side of the auction lifecycle: it
// periodically opens drafts whose start time has come and settles active
// auctions whose end time has passed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/metrics"
	model "auction-engine/internal/models"
	"auction-engine/utils"

	"github.com/robfig/cron/v3"
)

// DefaultSpec runs the sweep every second
const DefaultSpec = "@every 1s"

// Lifecycle is the part of the bidding service the scheduler drives
type Lifecycle interface {
	DueAuctions(ctx context.Context, now time.Time) ([]model.Auction, error)
	ActivateDue(ctx context.Context, auctionID string) (bool, error)
	CloseDue(ctx context.Context, auctionID string) (bool, error)
}

type retryState struct {
	failures int
	next     time.Time
}

// Scheduler sweeps due auctions on a cron schedule. A sweep never overlaps
// the previous one, and an auction whose transition failed is retried with
// exponential backoff instead of on every tick.
type Scheduler struct {
	lifecycle Lifecycle
	cron      *cron.Cron
	now       func() time.Time
	timeout   time.Duration

	mu      sync.Mutex
	retries map[string]retryState // key: auctionID
}

func New(lifecycle Lifecycle, sweepTimeout time.Duration) *Scheduler {
	logger := cron.PrintfLogger(utils.Logger())
	if sweepTimeout <= 0 {
		sweepTimeout = 30 * time.Second
	}
	return &Scheduler{
		lifecycle: lifecycle,
		cron:      cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger))),
		now:       func() time.Time { return time.Now().UTC() },
		timeout:   sweepTimeout,
		retries:   make(map[string]retryState),
	}
}

// Start schedules the sweep with a cron spec such as "@every 1s"
func (s *Scheduler) Start(spec string) error {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("scheduler: invalid spec %q: %w", spec, err)
	}
	s.cron.Start()
	utils.Info("scheduler started", map[string]any{"spec": spec})
	return nil
}

// Stop halts scheduling and waits for a running sweep, or until ctx is done
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		utils.Warn("scheduler stop timed out with a sweep in flight", nil)
	}
}

// RunOnce performs one sweep and returns how many auctions changed state
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(start)) }()

	now := s.now()
	due, err := s.lifecycle.DueAuctions(ctx, now)
	if err != nil {
		utils.Error("scheduler: failed to list due auctions", map[string]any{"error": err.Error()})
		return 0
	}
	s.forgetSettled(due)

	changed := 0
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		if !s.ready(a.AuctionID, now) {
			continue
		}

		var (
			ok  bool
			err error
		)
		switch a.State {
		case model.StateDraft:
			ok, err = s.lifecycle.ActivateDue(ctx, a.AuctionID)
		case model.StateActive:
			ok, err = s.lifecycle.CloseDue(ctx, a.AuctionID)
		default:
			continue
		}

		if err != nil {
			s.fail(a.AuctionID, now, err)
			continue
		}
		s.clear(a.AuctionID)
		if ok {
			changed++
		}
	}
	return changed
}

func (s *Scheduler) ready(auctionID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retries[auctionID]
	return !ok || !now.Before(r.next)
}

func (s *Scheduler) fail(auctionID string, now time.Time, err error) {
	s.mu.Lock()
	r := s.retries[auctionID]
	delay := retryDelay(r.failures)
	r.failures++
	r.next = now.Add(delay)
	s.retries[auctionID] = r
	s.mu.Unlock()

	fields := map[string]any{
		"auction_id": auctionID,
		"failures":   r.failures,
		"retry_in":   delay.String(),
		"error":      err.Error(),
	}
	if errors.Is(err, biddingerrors.ErrInsufficientFundsAtSettlement) {
		utils.Warn("scheduler: settlement blocked, operator attention needed", fields)
		return
	}
	utils.Error("scheduler: transition failed", fields)
}

// forgetSettled drops retry state for auctions that are no longer due, such
// as one an operator closed by hand after a failed sweep
func (s *Scheduler) forgetSettled(due []model.Auction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.retries) == 0 {
		return
	}
	stillDue := make(map[string]struct{}, len(due))
	for _, a := range due {
		stillDue[a.AuctionID] = struct{}{}
	}
	for id := range s.retries {
		if _, ok := stillDue[id]; !ok {
			delete(s.retries, id)
		}
	}
}

func (s *Scheduler) clear(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, auctionID)
}
