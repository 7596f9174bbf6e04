package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Schema creates the jobs table and its indexes. It is idempotent.
//
//go:embed schema.sql
var Schema string

const (
	uniqueViolation  = "23505"
	activeDedupIndex = "jobs_active_dedup_idx"
	occurrenceIndex  = "jobs_occurrence_idx"
)

const jobColumns = `
	id, queue, payload, dedup_key, occurrence, priority, resource, scheduled_at,
	attempts, max_attempts, state, lease_owner, lease_expires_at, last_error,
	cancel_requested, replay_of, created_at, updated_at, finished_at`

// Postgres is a JobStore backed by PostgreSQL. Claims use FOR UPDATE SKIP
// LOCKED so concurrent dispatchers never lease the same row. Timestamps come
// from the clock, not from the database, so lease math matches the engine.
type Postgres struct {
	db     *sqlx.DB
	clock  clock.Clock
	logger *slog.Logger
}

// NewPostgres creates a new Postgres store
func NewPostgres(db *sqlx.DB, c clock.Clock, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		clock:  c,
		logger: logger.With(slog.String("component", "job_store")),
	}
}

// jobRow mirrors the jobs table, including its nullable columns
type jobRow struct {
	ID              string         `db:"id"`
	Queue           string         `db:"queue"`
	Payload         []byte         `db:"payload"`
	DedupKey        sql.NullString `db:"dedup_key"`
	Occurrence      sql.NullString `db:"occurrence"`
	Priority        int            `db:"priority"`
	Resource        string         `db:"resource"`
	ScheduledAt     time.Time      `db:"scheduled_at"`
	Attempts        int            `db:"attempts"`
	MaxAttempts     int            `db:"max_attempts"`
	State           string         `db:"state"`
	LeaseOwner      sql.NullString `db:"lease_owner"`
	LeaseExpiresAt  sql.NullTime   `db:"lease_expires_at"`
	LastError       string         `db:"last_error"`
	CancelRequested bool           `db:"cancel_requested"`
	ReplayOf        sql.NullString `db:"replay_of"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	FinishedAt      sql.NullTime   `db:"finished_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	return &domain.Job{
		ID:              r.ID,
		Queue:           r.Queue,
		Payload:         r.Payload,
		DedupKey:        r.DedupKey.String,
		Occurrence:      r.Occurrence.String,
		Priority:        domain.Priority(r.Priority),
		Resource:        r.Resource,
		ScheduledAt:     r.ScheduledAt,
		Attempts:        r.Attempts,
		MaxAttempts:     r.MaxAttempts,
		State:           domain.State(r.State),
		LeaseOwner:      r.LeaseOwner.String,
		LeaseExpiresAt:  r.LeaseExpiresAt.Time,
		LastError:       r.LastError,
		CancelRequested: r.CancelRequested,
		ReplayOf:        r.ReplayOf.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		FinishedAt:      r.FinishedAt.Time,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Postgres) Insert(ctx context.Context, job *domain.Job) (string, error) {
	if err := validateInsert(job); err != nil {
		return "", err
	}

	now := s.clock.Now()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	scheduledAt := job.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	payload := job.Payload
	if payload == nil {
		payload = []byte{}
	}

	query := `
		INSERT INTO jobs (
			id, queue, payload, dedup_key, occurrence, priority, resource, scheduled_at,
			attempts, max_attempts, state, last_error, replay_of, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			0, $9, $10, '', $11, $12, $13
		)
	`

	// The conflicting job may finish between the failed insert and the
	// lookup, so retry a few times before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		_, err := s.db.ExecContext(ctx, query,
			job.ID,
			job.Queue,
			payload,
			nullString(job.DedupKey),
			nullString(job.Occurrence),
			int(job.Priority),
			job.Resource,
			scheduledAt,
			job.MaxAttempts,
			string(domain.StatePending),
			nullString(job.ReplayOf),
			createdAt,
			now,
		)
		if err == nil {
			return job.ID, nil
		}
		if isViolation(err, occurrenceIndex) {
			existing, lookupErr := s.byOccurrence(ctx, job.Occurrence)
			if lookupErr != nil {
				return "", lookupErr
			}
			return existing, domain.ErrDuplicateDedupKey
		}
		if !isViolation(err, activeDedupIndex) {
			return "", fmt.Errorf("failed to insert job: %w", err)
		}

		existing, lookupErr := s.activeByDedupKey(ctx, job.Queue, job.DedupKey)
		if errors.Is(lookupErr, domain.ErrJobNotFound) {
			continue
		}
		if lookupErr != nil {
			return "", lookupErr
		}
		return existing, domain.ErrDuplicateDedupKey
	}
	return "", fmt.Errorf("failed to insert job: %w", domain.ErrDuplicateDedupKey)
}

func (s *Postgres) activeByDedupKey(ctx context.Context, queue, key string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT id FROM jobs
		WHERE queue = $1 AND dedup_key = $2 AND state IN ('PENDING', 'LEASED')
	`, queue, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to look up dedup key: %w", err)
	}
	return id, nil
}

func (s *Postgres) byOccurrence(ctx context.Context, occurrence string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `SELECT id FROM jobs WHERE occurrence = $1`, occurrence)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to look up occurrence: %w", err)
	}
	return id, nil
}

func isViolation(err error, index string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == uniqueViolation && pqErr.Constraint == index
}

func (s *Postgres) ClaimNext(ctx context.Context, queue, workerID string, lease time.Duration, skipResources ...string) (*domain.Job, bool, error) {
	now := s.clock.Now()
	if skipResources == nil {
		skipResources = []string{}
	}
	query := `
		UPDATE jobs
		SET state = 'LEASED',
		    lease_owner = $2,
		    lease_expires_at = $3,
		    updated_at = $4
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1
			  AND state = 'PENDING'
			  AND scheduled_at <= $4
			  AND NOT (resource = ANY($5::text[]))
			ORDER BY priority, scheduled_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, queue, workerID, now.Add(lease), now, pq.Array(skipResources))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to claim next job: %w", err)
	}

	s.logger.Debug("Job claimed successfully",
		slog.String("job_id", row.ID),
		slog.String("queue", queue),
		slog.String("worker_id", workerID),
	)
	return row.toDomain(), true, nil
}

func (s *Postgres) Claim(ctx context.Context, id, workerID string, lease time.Duration) (*domain.Job, error) {
	now := s.clock.Now()
	query := `
		UPDATE jobs
		SET state = 'LEASED',
		    lease_owner = $2,
		    lease_expires_at = $3,
		    updated_at = $4
		WHERE id = $1
		  AND state = 'PENDING'
		  AND scheduled_at <= $4
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, id, workerID, now.Add(lease), now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrNotClaimable
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Postgres) Heartbeat(ctx context.Context, id, workerID string, leaseExpiresAt time.Time) error {
	query := `
		UPDATE jobs
		SET lease_expires_at = $3,
		    updated_at = $4
		WHERE id = $1 AND state = 'LEASED' AND lease_owner = $2
		RETURNING cancel_requested
	`

	var cancelRequested bool
	err := s.db.GetContext(ctx, &cancelRequested, query, id, workerID, leaseExpiresAt, s.clock.Now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrLeaseLost
		}
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	if cancelRequested {
		return domain.ErrCancelRequested
	}
	return nil
}

func (s *Postgres) Complete(ctx context.Context, id, workerID string, c Completion) error {
	if !c.State.IsTerminal() {
		return fmt.Errorf("%w: complete with %s", domain.ErrInvalidState, c.State)
	}

	query := `
		UPDATE jobs
		SET state = $3,
		    attempts = $4,
		    last_error = $5,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    finished_at = $6,
		    updated_at = $6
		WHERE id = $1 AND state = 'LEASED' AND lease_owner = $2
	`

	result, err := s.db.ExecContext(ctx, query, id, workerID, string(c.State), c.Attempts, c.LastError, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return expectOneRow(result, domain.ErrLeaseLost)
}

func (s *Postgres) Reschedule(ctx context.Context, id, workerID string, nextAttemptAt time.Time, attempts int, lastError string) error {
	query := `
		UPDATE jobs
		SET state = CASE WHEN cancel_requested THEN 'CANCELLED' ELSE 'PENDING' END,
		    scheduled_at = GREATEST(scheduled_at, $3::timestamptz),
		    attempts = $4,
		    last_error = $5,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    finished_at = CASE WHEN cancel_requested THEN $6::timestamptz ELSE NULL END,
		    updated_at = $6::timestamptz
		WHERE id = $1 AND state = 'LEASED' AND lease_owner = $2
		RETURNING state
	`

	var state string
	err := s.db.GetContext(ctx, &state, query, id, workerID, nextAttemptAt, attempts, lastError, s.clock.Now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrLeaseLost
		}
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	if domain.State(state) == domain.StateCancelled {
		return domain.ErrJobCancelled
	}
	return nil
}

func (s *Postgres) FindExpiredLeases(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = 'LEASED' AND lease_expires_at < $1
		ORDER BY lease_expires_at
		LIMIT $2
	`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, now, maxExpiredBatch); err != nil {
		return nil, fmt.Errorf("failed to find expired leases: %w", err)
	}
	return toDomainJobs(rows), nil
}

func (s *Postgres) RecoverExpired(ctx context.Context, id, owner string, now, nextAttemptAt time.Time) (domain.State, error) {
	query := `
		UPDATE jobs
		SET attempts = attempts + 1,
		    state = CASE
		        WHEN cancel_requested THEN 'CANCELLED'
		        WHEN attempts + 1 >= max_attempts THEN 'FAILED'
		        ELSE 'PENDING'
		    END,
		    scheduled_at = CASE
		        WHEN cancel_requested OR attempts + 1 >= max_attempts THEN scheduled_at
		        ELSE GREATEST(scheduled_at, $4::timestamptz)
		    END,
		    finished_at = CASE
		        WHEN cancel_requested OR attempts + 1 >= max_attempts THEN $3::timestamptz
		        ELSE NULL
		    END,
		    last_error = $5,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    updated_at = $3::timestamptz
		WHERE id = $1
		  AND state = 'LEASED'
		  AND lease_owner = $2
		  AND lease_expires_at < $3::timestamptz
		RETURNING state
	`

	var state string
	err := s.db.GetContext(ctx, &state, query, id, owner, now, nextAttemptAt, LeaseExpiredError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := s.Get(ctx, id)
			if getErr != nil {
				return "", getErr
			}
			return current.State, domain.ErrInvalidState
		}
		return "", fmt.Errorf("failed to recover expired lease: %w", err)
	}
	return domain.State(state), nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Postgres) Cancel(ctx context.Context, id string) (domain.State, error) {
	query := `
		UPDATE jobs
		SET state = CASE WHEN state = 'PENDING' THEN 'CANCELLED' ELSE state END,
		    cancel_requested = (state = 'LEASED') OR cancel_requested,
		    finished_at = CASE WHEN state = 'PENDING' THEN $2::timestamptz ELSE finished_at END,
		    updated_at = $2::timestamptz
		WHERE id = $1 AND state IN ('PENDING', 'LEASED')
		RETURNING state
	`

	var state string
	err := s.db.GetContext(ctx, &state, query, id, s.clock.Now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := s.Get(ctx, id)
			if getErr != nil {
				return "", getErr
			}
			return current.State, domain.ErrAlreadyTerminal
		}
		return "", fmt.Errorf("failed to cancel job: %w", err)
	}
	return domain.State(state), nil
}

func (s *Postgres) FindByDedupKey(ctx context.Context, queue, key string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE queue = $1 AND dedup_key = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, queue, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find job by dedup key: %w", err)
	}
	return row.toDomain(), nil
}

type refRow struct {
	ID          string    `db:"id"`
	Queue       string    `db:"queue"`
	Priority    int       `db:"priority"`
	ScheduledAt time.Time `db:"scheduled_at"`
	Resource    string    `db:"resource"`
}

func (s *Postgres) ListPending(ctx context.Context, queues []string, dueBefore time.Time, limit int) ([]domain.Ref, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if queues == nil {
		queues = []string{}
	}

	query := `
		SELECT id, queue, priority, scheduled_at, resource
		FROM jobs
		WHERE state = 'PENDING'
		  AND scheduled_at <= $1
		  AND (cardinality($2::text[]) = 0 OR queue = ANY($2::text[]))
		ORDER BY scheduled_at, id
		LIMIT $3
	`

	var rows []refRow
	if err := s.db.SelectContext(ctx, &rows, query, dueBefore, pq.Array(queues), limit); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	refs := make([]domain.Ref, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, domain.Ref{
			ID:          r.ID,
			Queue:       r.Queue,
			Priority:    domain.Priority(r.Priority),
			ScheduledAt: r.ScheduledAt,
			Resource:    r.Resource,
		})
	}
	return refs, nil
}

func (s *Postgres) List(ctx context.Context, filter Filter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, filter.Queue)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}

	if !filter.FinishedBefore.IsZero() {
		query += fmt.Sprintf(" AND finished_at < $%d", argIdx)
		args = append(args, filter.FinishedBefore)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toDomainJobs(rows), nil
}

func (s *Postgres) MarkDeadLettered(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'DEAD_LETTERED', updated_at = $2
		WHERE id = $1 AND state = 'FAILED'
	`, id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark job dead-lettered: %w", err)
	}

	if err := expectOneRow(result, domain.ErrInvalidState); err != nil {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return err
	}
	return nil
}

func (s *Postgres) Depth(ctx context.Context) (map[string]map[domain.Priority]int, error) {
	var rows []struct {
		Queue    string `db:"queue"`
		Priority int    `db:"priority"`
		Count    int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT queue, priority, COUNT(*) AS count
		FROM jobs
		WHERE state = 'PENDING'
		GROUP BY queue, priority
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	out := make(map[string]map[domain.Priority]int)
	for _, r := range rows {
		if out[r.Queue] == nil {
			out[r.Queue] = make(map[domain.Priority]int)
		}
		out[r.Queue][domain.Priority(r.Priority)] = r.Count
	}
	return out, nil
}

func toDomainJobs(rows []jobRow) []*domain.Job {
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
