package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/ports"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	BatchSize      int
	Concurrency    int
	Lease          time.Duration
	OfflineGrace   time.Duration
	GatewayTimeout time.Duration
}

// Report counts what one reconciliation pass did.
type Report struct {
	Claimed   int
	Completed int
	Cancelled int
	Stuck     int
	Skipped   int
	Failed    int
}

type report struct {
	mu sync.Mutex
	Report
}

func (r *report) add(fn func(*Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.Report)
}

// Reconciler settles reservations that webhooks alone cannot: offline
// payments and reservations whose expiry passed while a payment was open.
// Each run claims its batch with a lease, so several instances can run the
// same pass without touching the same reservation.
type Reconciler struct {
	store        ports.Store
	registry     *provider.Registry
	reservations *service.ReservationService
	locks        ports.KeyedLocker
	opts         Options
	logger       *slog.Logger
	now          func() time.Time
}

func NewReconciler(
	store ports.Store,
	registry *provider.Registry,
	reservations *service.ReservationService,
	locks ports.KeyedLocker,
	opts Options,
	logger *slog.Logger,
) *Reconciler {
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Reconciler{
		store:        store,
		registry:     registry,
		reservations: reservations,
		locks:        locks,
		opts:         opts,
		logger:       logger,
		now:          time.Now,
	}
}

// RunExpirySweep resolves reservations past expiry. Unpaid ones are
// cancelled; ones with an open payment get one synchronous check and are
// completed, cancelled or quarantined as STUCK depending on the answer.
// Reservations paid through offline providers are left to
// RunOfflineSettlement.
func (rc *Reconciler) RunExpirySweep(ctx context.Context) (Report, error) {
	now := rc.now()
	offline := provider.IDsImplementing[provider.OfflineProcessor](ctx, rc.registry)

	batch, err := rc.store.Reservations().ClaimExpired(ctx, now, rc.opts.Lease, rc.opts.BatchSize, offline)
	if err != nil {
		return Report{}, fmt.Errorf("claim expired reservations: %w", err)
	}

	rep := &report{}
	rep.Claimed = len(batch)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.opts.Concurrency)
	for _, r := range batch {
		g.Go(func() error {
			defer rc.release(r.ID)
			return rc.expire(gctx, r.ID, rep)
		})
	}
	err = g.Wait()

	rc.logger.Info("expiry sweep finished",
		"claimed", rep.Claimed,
		"completed", rep.Completed,
		"cancelled", rep.Cancelled,
		"stuck", rep.Stuck,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
	)
	return rep.Report, err
}

// expire decides from an unlocked read and asks the gateway without holding
// the reservation lock. Only the ledger writes run under the lock, after the
// reservation was re-read.
func (rc *Reconciler) expire(ctx context.Context, reservationID string, rep *report) error {
	log := rc.logger.With("reservation_id", reservationID)

	r, err := rc.store.Reservations().FindByID(ctx, reservationID)
	if err != nil {
		return rc.itemFailed(ctx, log, rep, err)
	}
	if isSettled(r) {
		rep.add(func(rp *Report) { rp.Skipped++ })
		return nil
	}

	tx, err := rc.store.Transactions().FindCurrent(ctx, r.ID)
	if err != nil && !errors.Is(err, domain.ErrTransactionNotFound) {
		return rc.itemFailed(ctx, log, rep, err)
	}

	if tx == nil || tx.Status != domain.TransactionPending {
		if r.Status == domain.ReservationPending && tx == nil {
			return rc.underLock(ctx, log, rep, r.ID, func(*domain.Reservation) error {
				return rc.expireUnpaid(ctx, log, rep, r.ID)
			})
		}
		return rc.underLock(ctx, log, rep, r.ID, func(*domain.Reservation) error {
			return rc.markStuck(ctx, log, rep, r.ID, "no open payment to check")
		})
	}

	h, err := rc.registry.Resolve(ctx, tx.ProviderID, "")
	if err != nil {
		reason := fmt.Sprintf("provider unavailable: %v", err)
		return rc.underLock(ctx, log, rep, r.ID, func(*domain.Reservation) error {
			return rc.markStuck(ctx, log, rep, r.ID, reason)
		})
	}
	wh, ok := provider.As[provider.WebhookHandler](h)
	if !ok {
		reason := fmt.Sprintf("provider %s cannot be queried", tx.ProviderID)
		return rc.underLock(ctx, log, rep, r.ID, func(*domain.Reservation) error {
			return rc.markStuck(ctx, log, rep, r.ID, reason)
		})
	}

	check, err := rc.forceCheck(ctx, wh, r, tx)
	if err != nil {
		if service.IsIndeterminate(err) {
			log.Warn("payment check inconclusive, retrying next pass", "provider", tx.ProviderID, "error", err)
			rep.add(func(rp *Report) { rp.Skipped++ })
			return nil
		}
		reason := fmt.Sprintf("payment check failed: %v", err)
		return rc.underLock(ctx, log, rep, r.ID, func(*domain.Reservation) error {
			return rc.markStuck(ctx, log, rep, r.ID, reason)
		})
	}

	return rc.underLock(ctx, log, rep, r.ID, func(fresh *domain.Reservation) error {
		switch check.Status {
		case domain.CheckPaid:
			res, err := rc.reservations.ApplyCheckResult(ctx, tx.ProviderID, fresh, tx, check)
			if err != nil {
				return rc.itemFailed(ctx, log, rep, err)
			}
			rep.add(func(rp *Report) {
				if res.Outcome == domain.OutcomeApplied {
					rp.Completed++
				} else {
					rp.Skipped++
				}
			})
			return nil

		case domain.CheckFailed:
			if _, err := rc.reservations.ApplyCheckResult(ctx, tx.ProviderID, fresh, tx, check); err != nil {
				return rc.itemFailed(ctx, log, rep, err)
			}
			return rc.expireUnpaid(ctx, log, rep, fresh.ID)

		default:
			if fresh.Status == domain.ReservationPending {
				// The attempt failed while the check was in flight.
				return rc.expireUnpaid(ctx, log, rep, fresh.ID)
			}
			return rc.markStuck(ctx, log, rep, fresh.ID, "payment still pending after expiry")
		}
	})
}

func (rc *Reconciler) expireUnpaid(ctx context.Context, log *slog.Logger, rep *report, reservationID string) error {
	changed, err := rc.reservations.Expire(ctx, reservationID)
	if err != nil {
		return rc.itemFailed(ctx, log, rep, err)
	}
	rep.add(func(rp *Report) {
		if changed {
			rp.Cancelled++
		} else {
			rp.Skipped++
		}
	})
	return nil
}

// RunOfflineSettlement asks every enabled offline provider which of its
// open or STUCK reservations were paid since the provider's last checkpoint.
// Open reservations without a match past expiry plus grace become STUCK.
func (rc *Reconciler) RunOfflineSettlement(ctx context.Context) (Report, error) {
	var total Report
	var errs []error
	for _, h := range provider.Implementing[provider.OfflineProcessor](ctx, rc.registry) {
		rep, err := rc.settle(ctx, h)
		total.Claimed += rep.Claimed
		total.Completed += rep.Completed
		total.Stuck += rep.Stuck
		total.Skipped += rep.Skipped
		total.Failed += rep.Failed
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.ID(), err))
		}
	}
	return total, errors.Join(errs...)
}

func (rc *Reconciler) settle(ctx context.Context, h provider.Handle) (Report, error) {
	providerID := h.ID()
	op, _ := provider.As[provider.OfflineProcessor](h)
	log := rc.logger.With("provider", providerID)
	now := rc.now()

	lastChecked, err := rc.store.Checkpoints().LastChecked(ctx, providerID)
	if err != nil {
		return Report{}, fmt.Errorf("load checkpoint: %w", err)
	}

	batch, err := rc.store.Reservations().ClaimAwaitingSettlement(ctx, providerID, now, rc.opts.Lease, rc.opts.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("claim reservations: %w", err)
	}
	defer func() {
		for _, r := range batch {
			rc.release(r.ID)
		}
	}()

	rep := &report{}
	rep.Claimed = len(batch)
	if len(batch) == 0 {
		return rep.Report, rc.store.Checkpoints().SaveLastChecked(ctx, providerID, now)
	}

	callCtx, cancel := context.WithTimeout(ctx, rc.opts.GatewayTimeout)
	matches, err := op.CheckPayments(callCtx, batch, lastChecked)
	cancel()
	if err != nil {
		// Without an answer nothing may be declared unpaid.
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewGatewayTimeoutError("check payments", err)
		}
		log.Warn("offline payment check failed", "category", service.CategorizeError(err), "error", err)
		return rep.Report, err
	}

	inBatch := make(map[string]*domain.Reservation, len(batch))
	for _, r := range batch {
		inBatch[r.ID] = r
	}

	matched := make(map[string]bool, len(matches))
	for _, m := range matches {
		if _, ok := inBatch[m.ReservationID]; !ok {
			log.Warn("offline match for reservation outside the batch", "reservation_id", m.ReservationID, "reference", m.Reference)
			continue
		}
		matched[m.ReservationID] = true

		err := rc.withLock(ctx, m.ReservationID, func() error {
			res, err := rc.reservations.ApplyOfflineMatch(ctx, providerID, m)
			if err != nil {
				return err
			}
			rep.add(func(rp *Report) {
				if res.Outcome == domain.OutcomeApplied {
					rp.Completed++
				} else {
					rp.Skipped++
				}
			})
			return nil
		})
		if err != nil {
			_ = rc.itemFailed(ctx, log.With("reservation_id", m.ReservationID), rep, err)
		}
	}

	for _, r := range batch {
		// STUCK ones stay claimable so a late transfer still settles them.
		if matched[r.ID] || r.Status == domain.ReservationStuck {
			continue
		}
		if !now.After(r.ExpiresAt.Add(rc.opts.OfflineGrace)) {
			continue
		}
		rlog := log.With("reservation_id", r.ID)
		_ = rc.underLock(ctx, rlog, rep, r.ID, func(*domain.Reservation) error {
			return rc.markStuck(ctx, rlog, rep, r.ID, "no offline payment received within grace period")
		})
	}

	// A full batch may have left reservations unclaimed; keep the window
	// open for them.
	if len(batch) < rc.opts.BatchSize {
		if err := rc.store.Checkpoints().SaveLastChecked(ctx, providerID, now); err != nil {
			return rep.Report, fmt.Errorf("save checkpoint: %w", err)
		}
	}

	log.Info("offline settlement finished",
		"claimed", rep.Claimed,
		"completed", rep.Completed,
		"stuck", rep.Stuck,
		"failed", rep.Failed,
	)
	return rep.Report, nil
}

func (rc *Reconciler) forceCheck(ctx context.Context, wh provider.WebhookHandler, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, rc.opts.GatewayTimeout)
	defer cancel()
	check, err := wh.ForceTransactionCheck(callCtx, r, tx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return check, domain.NewGatewayTimeoutError("force check", err)
	}
	return check, err
}

func (rc *Reconciler) markStuck(ctx context.Context, log *slog.Logger, rep *report, reservationID, reason string) error {
	if _, err := rc.reservations.MarkStuck(ctx, reservationID, reason); err != nil {
		return rc.itemFailed(ctx, log, rep, err)
	}
	rep.add(func(rp *Report) { rp.Stuck++ })
	return nil
}

// itemFailed records a per-reservation failure. Only a cancelled run stops
// the rest of the batch.
func (rc *Reconciler) itemFailed(ctx context.Context, log *slog.Logger, rep *report, err error) error {
	rep.add(func(rp *Report) { rp.Failed++ })
	if service.CategorizeError(err) == service.CategoryInvariant {
		log.Error("reconciliation hit an invariant violation", "alert", true, "error", err)
	} else {
		log.Error("reconciliation failed", "category", service.CategorizeError(err), "error", err)
	}
	return ctx.Err()
}

// underLock takes the reservation lock, re-reads the reservation and runs fn
// unless it was settled since the caller looked at it.
func (rc *Reconciler) underLock(ctx context.Context, log *slog.Logger, rep *report, reservationID string, fn func(*domain.Reservation) error) error {
	unlock, err := rc.locks.Lock(ctx, reservationID)
	if err != nil {
		return rc.itemFailed(ctx, log, rep, err)
	}
	defer unlock()

	r, err := rc.store.Reservations().FindByID(ctx, reservationID)
	if err != nil {
		return rc.itemFailed(ctx, log, rep, err)
	}
	if isSettled(r) {
		rep.add(func(rp *Report) { rp.Skipped++ })
		return nil
	}
	return fn(r)
}

func isSettled(r *domain.Reservation) bool {
	return r.IsTerminal() || r.Status == domain.ReservationStuck
}

func (rc *Reconciler) withLock(ctx context.Context, reservationID string, fn func() error) error {
	unlock, err := rc.locks.Lock(ctx, reservationID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (rc *Reconciler) release(reservationID string) {
	// The lease expires on its own if this fails.
	if err := rc.store.Reservations().ReleaseClaim(context.Background(), reservationID); err != nil {
		rc.logger.Warn("failed to release claim", "reservation_id", reservationID, "error", err)
	}
}
