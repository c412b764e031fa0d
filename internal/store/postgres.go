package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quflux/publisher/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const publicationColumns = `id, schedule_id, platform, status, attempt_count, next_retry_at,
	lease_owner, lease_expires_at, remote_post_id, error_class, error_message, published_at,
	created_at, updated_at`

// EnsurePublications inserts one pending publication per target platform.
// The unique (schedule_id, platform) constraint makes this idempotent under
// concurrent dispatchers; rows that already exist are left untouched.
func (s *Store) EnsurePublications(ctx context.Context, sched models.Schedule) error {
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, platform := range sched.Platforms {
		batch.Queue(`
			INSERT INTO publications (id, schedule_id, platform, status, attempt_count, next_retry_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
			ON CONFLICT (schedule_id, platform) DO NOTHING
		`, uuid.New().String(), sched.ID, platform, models.StatusPending, sched.ScheduledTime, now)
	}
	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()
	for range sched.Platforms {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("ensure publication: %w", err)
		}
	}
	return nil
}

// ClaimDue atomically claims up to limit eligible publications for workerID.
// Eligible means either pending with its retry time reached, or publishing
// under a lease that expired (a crashed worker's claim), always with an
// active, uncompleted owning schedule. The conditional UPDATE plus SKIP
// LOCKED guarantees each row goes to exactly one concurrent dispatcher;
// losing a row here is not an error.
func (s *Store) ClaimDue(ctx context.Context, workerID string, leaseDuration time.Duration, limit int) ([]models.Publication, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE publications p
		SET status = $1, lease_owner = $2, lease_expires_at = NOW() + $3, updated_at = NOW()
		FROM (
			SELECT id FROM publications
			WHERE ((status = $4 AND next_retry_at <= NOW()) OR (status = $1 AND lease_expires_at <= NOW()))
			  AND (lease_owner IS NULL OR lease_expires_at <= NOW())
			  AND schedule_id IN (SELECT id FROM schedules WHERE is_active AND NOT is_completed)
			ORDER BY next_retry_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		) due
		WHERE p.id = due.id
		  AND (p.lease_owner IS NULL OR p.lease_expires_at <= NOW())
		RETURNING p.id, p.schedule_id, p.platform, p.status, p.attempt_count, p.next_retry_at,
			p.lease_owner, p.lease_expires_at, p.remote_post_id, p.error_class, p.error_message,
			p.published_at, p.created_at, p.updated_at
	`, models.StatusPublishing, workerID, leaseDuration, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due publications: %w", err)
	}
	defer rows.Close()
	return scanPublications(rows)
}

// MarkPublished settles a claimed publication as terminal success. The write
// is conditioned on the publishing status and lease ownership; the remote
// post id is COALESCEd so a value set by an earlier attempt is never
// overwritten. Returns false when the condition did not hold.
func (s *Store) MarkPublished(ctx context.Context, id, owner, remotePostID string, publishedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publications
		SET status = $3, remote_post_id = COALESCE(remote_post_id, $4), published_at = $5,
		    lease_owner = NULL, lease_expires_at = NULL, error_class = '', error_message = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2 AND lease_owner = $6
	`, id, models.StatusPublishing, models.StatusPublished, remotePostID, publishedAt, owner)
	if err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Requeue returns a claimed publication to pending with a retry time,
// recording the attempt and its error classification.
func (s *Store) Requeue(ctx context.Context, id, owner string, attempts int, nextRetryAt time.Time, class models.Classification, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publications
		SET status = $3, attempt_count = $4, next_retry_at = $5,
		    error_class = $6, error_message = $7,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND lease_owner = $8
	`, id, models.StatusPublishing, models.StatusPending, attempts, nextRetryAt, string(class), message, owner)
	if err != nil {
		return false, fmt.Errorf("requeue publication: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed settles a claimed publication as terminal failure.
func (s *Store) MarkFailed(ctx context.Context, id, owner string, attempts int, class models.Classification, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publications
		SET status = $3, attempt_count = $4, error_class = $5, error_message = $6,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND lease_owner = $7
	`, id, models.StatusPublishing, models.StatusFailed, attempts, string(class), message, owner)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetPublication fetches one publication by id.
func (s *Store) GetPublication(ctx context.Context, id string) (models.Publication, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+publicationColumns+` FROM publications WHERE id = $1`, id)
	pub, err := scanPublication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Publication{}, fmt.Errorf("publication %s: %w", id, ErrNotFound)
	}
	return pub, err
}

// PublicationsBySchedule lists all publications belonging to one schedule.
func (s *Store) PublicationsBySchedule(ctx context.Context, scheduleID string) ([]models.Publication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+publicationColumns+` FROM publications WHERE schedule_id = $1 ORDER BY platform
	`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	defer rows.Close()
	return scanPublications(rows)
}

// PublicationsByStatus lists publications in the given status, newest first.
func (s *Store) PublicationsByStatus(ctx context.Context, status string, limit int) ([]models.Publication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+publicationColumns+` FROM publications WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list publications by status: %w", err)
	}
	defer rows.Close()
	return scanPublications(rows)
}

// DueBacklog counts publications ready to claim right now.
func (s *Store) DueBacklog(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publications
		WHERE status = $1 AND next_retry_at <= NOW()
		  AND (lease_owner IS NULL OR lease_expires_at <= NOW())
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due backlog: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublication(row rowScanner) (models.Publication, error) {
	var p models.Publication
	var leaseOwner, remoteID, errMsg pgtype.Text
	var errClass string
	var leaseExp, publishedAt pgtype.Timestamptz

	err := row.Scan(&p.ID, &p.ScheduleID, &p.Platform, &p.Status, &p.AttemptCount, &p.NextRetryAt,
		&leaseOwner, &leaseExp, &remoteID, &errClass, &errMsg, &publishedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Publication{}, err
	}
	p.LeaseOwner = textPtr(leaseOwner)
	p.LeaseExpiresAt = timePtr(leaseExp)
	p.RemotePostID = textPtr(remoteID)
	p.ErrorClass = models.Classification(errClass)
	p.ErrorMessage = textPtr(errMsg)
	p.PublishedAt = timePtr(publishedAt)
	return p, nil
}

func scanPublications(rows pgx.Rows) ([]models.Publication, error) {
	var out []models.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
