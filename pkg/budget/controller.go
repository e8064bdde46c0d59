package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arcfabric/controlplane/pkg/metrics"
)

const (
	// envelopeTTL bounds how long an idempotency envelope and its cached
	// decision live.
	envelopeTTL = 300 * time.Second

	// stateCacheTTL bounds staleness of the cached ledger row.
	stateCacheTTL = 10 * time.Second

	// ReservationTTL is how long an uncommitted reservation survives in the
	// KV store before it is considered abandoned.
	ReservationTTL = 3600 * time.Second
)

// Controller is the budget reservation engine.
type Controller struct {
	db           *sql.DB
	kv           *redis.Client
	defaultLimit int64
	log          *slog.Logger
}

func NewController(db *sql.DB, kv *redis.Client, defaultLimit int64, log *slog.Logger) *Controller {
	if defaultLimit <= 0 {
		defaultLimit = 1_000_000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{db: db, kv: kv, defaultLimit: defaultLimit, log: log}
}

func envelopeKey(tenantID, taskID, requestID string) string {
	return fmt.Sprintf("budget:req:%s:%s:%s", tenantID, taskID, requestID)
}

func stateCacheKey(tenantID, projectID string) string {
	return fmt.Sprintf("budget:state:%s:%s", tenantID, projectID)
}

func reservationKey(tenantID, projectID, reservationID string) string {
	return fmt.Sprintf("reservation:%s:%s:%s", tenantID, projectID, reservationID)
}

func reservationSetKey(tenantID, projectID string) string {
	return fmt.Sprintf("reservations:%s:%s", tenantID, projectID)
}

// Request reserves estimated tokens. The idempotency envelope guarantees that
// retries with the same request id observe exactly one allocation.
func (c *Controller) Request(ctx context.Context, req Request) (*Decision, error) {
	if req.EstimatedTokens <= 0 {
		return nil, fmt.Errorf("estimated tokens must be positive, got %d", req.EstimatedTokens)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	envKey := envelopeKey(req.TenantID, req.TaskID, req.RequestID)
	won, err := c.kv.SetNX(ctx, envKey, "processing", envelopeTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency envelope: %w", err)
	}

	if !won {
		return c.replay(ctx, envKey, req.RequestID)
	}

	decision, err := c.allocate(ctx, req)
	if err != nil {
		// Free the envelope so the caller may retry with the same id.
		if delErr := c.kv.Del(ctx, envKey).Err(); delErr != nil {
			c.log.Error("envelope cleanup failed", "key", envKey, "error", delErr)
		}
		metrics.BudgetRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	if raw, err := json.Marshal(decision); err == nil {
		if err := c.kv.Set(ctx, envKey+":result", raw, envelopeTTL).Err(); err != nil {
			c.log.Error("decision cache write failed", "key", envKey, "error", err)
		}
	}

	switch {
	case decision.Approved:
		metrics.BudgetRequests.WithLabelValues("approved").Inc()
	case decision.Reason == ReasonRaceLost:
		metrics.BudgetRequests.WithLabelValues("reservation_failed").Inc()
	default:
		metrics.BudgetRequests.WithLabelValues("insufficient").Inc()
	}
	return decision, nil
}

// replay serves a duplicate request: the cached decision when the first
// attempt finished, a non-approved in-progress marker otherwise.
func (c *Controller) replay(ctx context.Context, envKey, requestID string) (*Decision, error) {
	raw, err := c.kv.Get(ctx, envKey+":result").Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.BudgetRequests.WithLabelValues("duplicate").Inc()
		return &Decision{
			Approved:  false,
			Reason:    ReasonDuplicate,
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, fmt.Errorf("decode cached decision: %w", err)
	}
	metrics.BudgetRequests.WithLabelValues("replayed").Inc()
	return &decision, nil
}

// allocate runs inside a won idempotency race.
func (c *Controller) allocate(ctx context.Context, req Request) (*Decision, error) {
	state, err := c.loadLedgerState(ctx, req.TenantID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	available := state.Total - state.Used - state.Reserved
	if available < req.EstimatedTokens {
		return &Decision{
			Approved:  false,
			Reason:    ReasonInsufficient,
			Available: available,
			Requested: req.EstimatedTokens,
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	reservationID := uuid.New().String()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	// The conditional UPDATE is the serialisation point: concurrent requests
	// that both passed the pre-check race here, and the loser gets zero rows.
	var newReserved int64
	err = tx.QueryRowContext(ctx,
		`UPDATE budget_limits
		 SET reserved = reserved + $3, updated_at = NOW()
		 WHERE tenant_id = $1 AND project_id = $2
		   AND (total_limit - current_usage - reserved) >= $3
		 RETURNING reserved`,
		req.TenantID, req.ProjectID, req.EstimatedTokens).Scan(&newReserved)
	if errors.Is(err, sql.ErrNoRows) {
		return &Decision{
			Approved:  false,
			Reason:    ReasonRaceLost,
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve update: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO budget_transactions (id, tenant_id, project_id, task_id, request_id, amount, type, purpose, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, 'reserve', $7, NOW())`,
		reservationID, req.TenantID, req.ProjectID, req.TaskID, req.RequestID, req.EstimatedTokens, req.Purpose)
	if err != nil {
		return nil, fmt.Errorf("insert reserve row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}

	c.invalidateCache(ctx, req.TenantID, req.ProjectID)

	// Reservation entry carries "amount:task" so commit and the sweeper can
	// recover both without another ledger read.
	resKey := reservationKey(req.TenantID, req.ProjectID, reservationID)
	resVal := fmt.Sprintf("%d:%s", req.EstimatedTokens, req.TaskID)
	setKey := reservationSetKey(req.TenantID, req.ProjectID)

	pipe := c.kv.Pipeline()
	pipe.Set(ctx, resKey, resVal, ReservationTTL)
	pipe.SAdd(ctx, setKey, reservationID)
	pipe.Expire(ctx, setKey, ReservationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Error("reservation KV write failed", "reservation", reservationID, "error", err)
	}

	return &Decision{
		Approved:      true,
		ReservationID: reservationID,
		Allocated:     req.EstimatedTokens,
		RequestID:     req.RequestID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// loadLedgerState returns the ledger row, serving from cache inside its TTL
// and inserting the default row for first-seen (tenant, project) pairs.
func (c *Controller) loadLedgerState(ctx context.Context, tenantID, projectID string) (*State, error) {
	cacheKey := stateCacheKey(tenantID, projectID)
	if raw, err := c.kv.Get(ctx, cacheKey).Bytes(); err == nil {
		var state State
		if err := json.Unmarshal(raw, &state); err == nil {
			return &state, nil
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin state tx: %w", err)
	}
	defer tx.Rollback()

	var state State
	err = tx.QueryRowContext(ctx,
		`SELECT total_limit, current_usage, reserved FROM budget_limits
		 WHERE tenant_id = $1 AND project_id = $2 FOR UPDATE`,
		tenantID, projectID).Scan(&state.Total, &state.Used, &state.Reserved)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO budget_limits (tenant_id, project_id, total_limit, current_usage, reserved, updated_at)
			 VALUES ($1, $2, $3, 0, 0, NOW())
			 ON CONFLICT (tenant_id, project_id) DO NOTHING`,
			tenantID, projectID, c.defaultLimit)
		if err != nil {
			return nil, fmt.Errorf("insert default limit: %w", err)
		}
		state = State{Total: c.defaultLimit}
	} else if err != nil {
		return nil, fmt.Errorf("load ledger state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit state tx: %w", err)
	}

	state.Available = state.Total - state.Used - state.Reserved
	if raw, err := json.Marshal(state); err == nil {
		if err := c.kv.Set(ctx, cacheKey, raw, stateCacheTTL).Err(); err != nil {
			c.log.Error("state cache write failed", "key", cacheKey, "error", err)
		}
	}
	return &state, nil
}

// Commit settles a reservation with the actual token spend. Usage grows by
// actual; reserved shrinks by the reserved amount, so under-use returns to
// availability automatically.
func (c *Controller) Commit(ctx context.Context, tenantID, projectID, reservationID string, actualTokens int64) (*CommitResult, error) {
	if actualTokens < 0 {
		return nil, fmt.Errorf("actual tokens must be non-negative, got %d", actualTokens)
	}

	reservedAmount, taskID, err := c.lookupReservation(ctx, tenantID, projectID, reservationID)
	if err != nil {
		return nil, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE budget_limits
		 SET current_usage = current_usage + $3,
		     reserved = GREATEST(reserved - $4, 0),
		     updated_at = NOW()
		 WHERE tenant_id = $1 AND project_id = $2
		   AND current_usage + $3 <= total_limit`,
		tenantID, projectID, actualTokens, reservedAmount)
	if err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	if affected == 0 {
		// Usage would exceed the limit. The reservation stays held so an
		// operator can decide what to do with it.
		return nil, ErrBudgetOverflow
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO budget_transactions (id, tenant_id, project_id, task_id, request_id, amount, type, purpose, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, 'commit', '', NOW())`,
		uuid.New().String(), tenantID, projectID, taskID, reservationID, actualTokens)
	if err != nil {
		return nil, fmt.Errorf("insert commit row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	c.dropReservation(ctx, tenantID, projectID, reservationID)
	c.invalidateCache(ctx, tenantID, projectID)
	metrics.BudgetCommits.Inc()

	return &CommitResult{
		Tokens:    actualTokens,
		Overshoot: actualTokens > reservedAmount,
	}, nil
}

// Release frees a reservation without spending. Releasing an unknown or
// already-settled reservation is a no-op.
func (c *Controller) Release(ctx context.Context, tenantID, projectID, reservationID string) error {
	reservedAmount, taskID, err := c.lookupReservation(ctx, tenantID, projectID, reservationID)
	if errors.Is(err, ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.releaseLedger(ctx, tenantID, projectID, reservationID, taskID, reservedAmount, ""); err != nil {
		return err
	}

	c.dropReservation(ctx, tenantID, projectID, reservationID)
	c.invalidateCache(ctx, tenantID, projectID)
	return nil
}

// releaseLedger applies a release to the ledger and records the transaction
// row. Shared with the sweeper, which passes a purpose marker.
func (c *Controller) releaseLedger(ctx context.Context, tenantID, projectID, reservationID, taskID string, amount int64, purpose string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE budget_limits
		 SET reserved = GREATEST(reserved - $3, 0), updated_at = NOW()
		 WHERE tenant_id = $1 AND project_id = $2`,
		tenantID, projectID, amount)
	if err != nil {
		return fmt.Errorf("release update: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO budget_transactions (id, tenant_id, project_id, task_id, request_id, amount, type, purpose, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, 'release', $7, NOW())`,
		uuid.New().String(), tenantID, projectID, taskID, reservationID, amount, purpose)
	if err != nil {
		return fmt.Errorf("insert release row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("release tx: %w", err)
	}

	metrics.BudgetReleases.Inc()
	return nil
}

// State reports the budget position. Total and used come from the cached
// ledger row; reserved is summed from the per-scope reservation set, which
// keeps expired reservations out of the number without a global scan.
func (c *Controller) State(ctx context.Context, tenantID, projectID string) (*State, error) {
	ledger, err := c.loadLedgerState(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}

	reserved, err := c.liveReserved(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}

	return &State{
		Total:     ledger.Total,
		Used:      ledger.Used,
		Reserved:  reserved,
		Available: ledger.Total - ledger.Used - reserved,
	}, nil
}

// liveReserved sums amounts of reservations still alive in the KV store,
// pruning set members whose entries have expired.
func (c *Controller) liveReserved(ctx context.Context, tenantID, projectID string) (int64, error) {
	setKey := reservationSetKey(tenantID, projectID)
	ids, err := c.kv.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list reservations: %w", err)
	}

	var total int64
	for _, id := range ids {
		val, err := c.kv.Get(ctx, reservationKey(tenantID, projectID, id)).Result()
		if errors.Is(err, redis.Nil) {
			if err := c.kv.SRem(ctx, setKey, id).Err(); err != nil {
				c.log.Error("stale reservation prune failed", "reservation", id, "error", err)
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read reservation %s: %w", id, err)
		}
		amount, _, perr := parseReservation(val)
		if perr != nil {
			c.log.Error("malformed reservation entry", "reservation", id, "value", val)
			continue
		}
		total += amount
	}
	return total, nil
}

func (c *Controller) lookupReservation(ctx context.Context, tenantID, projectID, reservationID string) (int64, string, error) {
	val, err := c.kv.Get(ctx, reservationKey(tenantID, projectID, reservationID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, "", ErrReservationNotFound
	}
	if err != nil {
		return 0, "", fmt.Errorf("read reservation: %w", err)
	}
	amount, taskID, err := parseReservation(val)
	if err != nil {
		return 0, "", err
	}
	return amount, taskID, nil
}

func (c *Controller) dropReservation(ctx context.Context, tenantID, projectID, reservationID string) {
	pipe := c.kv.Pipeline()
	pipe.Del(ctx, reservationKey(tenantID, projectID, reservationID))
	pipe.SRem(ctx, reservationSetKey(tenantID, projectID), reservationID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Error("reservation KV cleanup failed", "reservation", reservationID, "error", err)
	}
}

func (c *Controller) invalidateCache(ctx context.Context, tenantID, projectID string) {
	if err := c.kv.Del(ctx, stateCacheKey(tenantID, projectID)).Err(); err != nil {
		c.log.Error("state cache invalidation failed", "tenant", tenantID, "project", projectID, "error", err)
	}
}

func parseReservation(val string) (amount int64, taskID string, err error) {
	parts := strings.SplitN(val, ":", 2)
	amount, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed reservation value %q", val)
	}
	if len(parts) == 2 {
		taskID = parts[1]
	}
	return amount, taskID, nil
}
