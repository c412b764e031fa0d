package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quflux/publisher/internal/models"
)

// ErrScheduleConflict signals another active schedule already targets the
// same post at the same time. Surfaced to the authoring layer, never retried.
var ErrScheduleConflict = errors.New("conflicting schedule for post")

const scheduleColumns = `id, post_id, user_id, scheduled_time, platforms, is_active, is_completed, created_at, updated_at`

// CreateScheduleParams collects inputs required to insert a schedule.
type CreateScheduleParams struct {
	PostID        string
	UserID        string
	ScheduledTime time.Time
	Platforms     []string
}

// CreateSchedule inserts a schedule row, rejecting duplicates for the same
// post and time while an active schedule exists.
func (s *Store) CreateSchedule(ctx context.Context, p CreateScheduleParams) (models.Schedule, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM schedules
			WHERE post_id = $1 AND scheduled_time = $2 AND is_active
		)
	`, p.PostID, p.ScheduledTime).Scan(&exists)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("check schedule conflict: %w", err)
	}
	if exists {
		return models.Schedule{}, ErrScheduleConflict
	}

	now := time.Now().UTC()
	sched := models.Schedule{
		ID:            uuid.New().String(),
		PostID:        p.PostID,
		UserID:        p.UserID,
		ScheduledTime: p.ScheduledTime,
		Platforms:     p.Platforms,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, post_id, user_id, scheduled_time, platforms, is_active, is_completed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, $6, $6)
	`, sched.ID, sched.PostID, sched.UserID, sched.ScheduledTime, sched.Platforms, now)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return sched, nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	return sched, nil
}

// DueSchedules returns active, uncompleted schedules whose time has come.
func (s *Store) DueSchedules(ctx context.Context, limit int) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE is_active AND NOT is_completed AND scheduled_time <= NOW()
		ORDER BY scheduled_time
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// Deactivate flips is_active off; the dispatcher stops claiming the
// schedule's publications on its next poll.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET is_active = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecomputeCompletion sets is_completed iff every publication for the
// schedule is terminal and all target platforms have a row. The statement is
// idempotent, so concurrent dispatchers may run it redundantly.
func (s *Store) RecomputeCompletion(ctx context.Context, scheduleID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules SET is_completed = (
			SELECT COUNT(*) >= cardinality(schedules.platforms)
			   AND COUNT(*) FILTER (WHERE p.status NOT IN ($2, $3)) = 0
			FROM publications p WHERE p.schedule_id = schedules.id
		), updated_at = NOW()
		WHERE id = $1
	`, scheduleID, models.StatusPublished, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("recompute completion: %w", err)
	}
	return nil
}

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var sched models.Schedule
	err := row.Scan(&sched.ID, &sched.PostID, &sched.UserID, &sched.ScheduledTime, &sched.Platforms,
		&sched.IsActive, &sched.IsCompleted, &sched.CreatedAt, &sched.UpdatedAt)
	return sched, err
}
