package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/fedletic/domain"
)

const workoutColumns = `id, object_uri, actor_id, name, summary, kind, start_time, duration_seconds,
	distance_meters, details, created_at`

const (
	sqlUpsertWorkout = `INSERT INTO workouts(` + workoutColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_uri) DO UPDATE SET
			name = excluded.name,
			summary = excluded.summary,
			start_time = excluded.start_time,
			duration_seconds = excluded.duration_seconds,
			distance_meters = excluded.distance_meters,
			details = excluded.details
		WHERE workouts.actor_id = excluded.actor_id`
	sqlSelectWorkoutByObjectURI = `SELECT ` + workoutColumns + ` FROM workouts WHERE object_uri = ?`
	sqlSelectWorkoutsByActor    = `SELECT ` + workoutColumns + ` FROM workouts WHERE actor_id = ?
		ORDER BY COALESCE(start_time, created_at) DESC LIMIT ?`
)

func scanWorkout(row rowScanner) (*domain.Workout, error) {
	var (
		w       domain.Workout
		kind    string
		start   sql.NullTime
		seconds int64
		details string
	)
	err := row.Scan(&w.Id, &w.ObjectURI, &w.ActorId, &w.Name, &w.Summary, &kind, &start, &seconds,
		&w.DistanceMeters, &details, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	// kind is fixed at creation; details are decoded into the matching type
	w.Kind = domain.ParseWorkoutKind(kind)
	if start.Valid {
		w.StartTime = start.Time
	}
	w.Duration = time.Duration(seconds) * time.Second
	if w.Details, err = domain.DecodeWorkoutDetails(w.Kind, []byte(details)); err != nil {
		return nil, fmt.Errorf("corrupt workout details for %s: %w", w.ObjectURI, err)
	}
	return &w, nil
}

// UpsertWorkout stores w keyed by its object URI. A workout is never moved to another
// actor or kind by a later upsert.
func (db *DB) UpsertWorkout(ctx context.Context, w *domain.Workout) (*domain.Workout, error) {
	if w.Id == uuid.Nil {
		w.Id = uuid.New()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Details == nil {
		w.Details = domain.OtherDetails{}
	}
	details, err := json.Marshal(w.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workout details: %w", err)
	}

	var start sql.NullTime
	if !w.StartTime.IsZero() {
		start = sql.NullTime{Time: w.StartTime.UTC(), Valid: true}
	}

	_, err = db.q.ExecContext(ctx, sqlUpsertWorkout,
		w.Id.String(), w.ObjectURI, w.ActorId.String(), w.Name, w.Summary, w.Details.Kind().String(), start,
		int64(w.Duration/time.Second), w.DistanceMeters, string(details), w.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert workout %s: %w", w.ObjectURI, err)
	}
	return db.ReadWorkoutByObjectURI(ctx, w.ObjectURI)
}

func (db *DB) ReadWorkoutByObjectURI(ctx context.Context, objectURI string) (*domain.Workout, error) {
	w, err := scanWorkout(db.q.QueryRowContext(ctx, sqlSelectWorkoutByObjectURI, objectURI))
	if err != nil {
		return nil, notFound(err, "workout "+objectURI)
	}
	return w, nil
}

func (db *DB) ReadWorkoutsByActor(ctx context.Context, actorId uuid.UUID, limit int) ([]domain.Workout, error) {
	rows, err := db.q.QueryContext(ctx, sqlSelectWorkoutsByActor, actorId.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workouts []domain.Workout
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, err
		}
		workouts = append(workouts, *w)
	}
	return workouts, rows.Err()
}
