package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const sweepBatchSize = 100

// Sweeper reconciles reservations that expired between request and commit:
// the KV entry is gone but the ledger still counts the tokens as reserved.
// Without it, reserved drifts upward until no budget is allocatable.
type Sweeper struct {
	ctrl     *Controller
	interval time.Duration
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

func NewSweeper(ctrl *Controller, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		ctrl:     ctrl,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run sweeps on the configured interval until Stop or context cancellation.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("budget sweeper started", "interval", s.interval)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Error("budget sweep failed", "error", err)
				continue
			}
			if released > 0 {
				s.log.Info("swept stale reservations", "released", released)
			}
		}
	}
}

// Stop signals the sweeper and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepOnce finds reserve rows older than the reservation TTL that have no
// matching commit or release, and issues synthetic releases for them.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	rows, err := s.ctrl.db.QueryContext(ctx,
		`SELECT r.id, r.tenant_id, r.project_id, r.task_id, r.amount
		 FROM budget_transactions r
		 WHERE r.type = 'reserve'
		   AND r.ts < NOW() - $1 * INTERVAL '1 second'
		   AND NOT EXISTS (
		     SELECT 1 FROM budget_transactions st
		     WHERE st.request_id = r.id AND st.type IN ('commit', 'release')
		   )
		 ORDER BY r.ts
		 LIMIT $2`,
		int64(ReservationTTL.Seconds()), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find stale reservations: %w", err)
	}
	defer rows.Close()

	type stale struct {
		id, tenantID, projectID, taskID string
		amount                          int64
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.tenantID, &st.projectID, &st.taskID, &st.amount); err != nil {
			return 0, fmt.Errorf("scan stale reservation: %w", err)
		}
		found = append(found, st)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale reservations: %w", err)
	}

	released := 0
	for _, st := range found {
		if err := s.ctrl.releaseLedger(ctx, st.tenantID, st.projectID, st.id, st.taskID, st.amount, "sweeper"); err != nil {
			s.log.Error("synthetic release failed",
				"reservation", st.id, "tenant", st.tenantID, "error", err)
			continue
		}
		s.ctrl.dropReservation(ctx, st.tenantID, st.projectID, st.id)
		s.ctrl.invalidateCache(ctx, st.tenantID, st.projectID)
		released++
	}
	return released, nil
}
