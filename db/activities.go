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

const activityColumns = `id, actor_id, actor_url, target_id, activity_type, object_uri, object_json,
	additional_fields, context, raw_activity, is_remote, created_at`

const (
	sqlInsertActivity = `INSERT INTO activities(` + activityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	sqlSelectActivityById = `SELECT ` + activityColumns + ` FROM activities WHERE id = ?`
	sqlSelectActorOutbox  = `SELECT ` + activityColumns + ` FROM activities
		WHERE actor_id = ? AND is_remote = 0 AND activity_type = ?
		ORDER BY created_at DESC LIMIT ?`
	sqlCountActorOutbox = `SELECT COUNT(*) FROM activities WHERE actor_id = ? AND is_remote = 0 AND activity_type = ?`
)

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var (
		a          domain.Activity
		objectJSON string
		additional string
		ctxJSON    string
		raw        string
	)
	err := row.Scan(&a.ID, &a.ActorId, &a.ActorURL, &a.TargetId, &a.Type, &a.ObjectURI, &objectJSON,
		&additional, &ctxJSON, &raw, &a.IsRemote, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if objectJSON != "" {
		a.ObjectJSON = json.RawMessage(objectJSON)
	}
	if ctxJSON != "" {
		a.Context = json.RawMessage(ctxJSON)
	}
	if raw != "" {
		a.RawActivity = json.RawMessage(raw)
	}
	if err := json.Unmarshal([]byte(additional), &a.AdditionalFields); err != nil {
		return nil, fmt.Errorf("corrupt additional_fields for %s: %w", a.ID, err)
	}
	return &a, nil
}

// InsertActivity stores a by its URI. When the id is already known the stored record is
// returned with created=false and nothing is written.
func (db *DB) InsertActivity(ctx context.Context, a *domain.Activity) (stored *domain.Activity, created bool, err error) {
	if a.ID == "" {
		return nil, false, fmt.Errorf("activity has no id")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	fields := a.AdditionalFields
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	additional, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode additional fields: %w", err)
	}

	var target sql.NullString
	if a.TargetId.Valid {
		target = sql.NullString{String: a.TargetId.UUID.String(), Valid: true}
	}

	res, err := db.q.ExecContext(ctx, sqlInsertActivity,
		a.ID, a.ActorId.String(), a.ActorURL, target, a.Type, a.ObjectURI, string(a.ObjectJSON),
		string(additional), string(a.Context), string(a.RawActivity), a.IsRemote, a.CreatedAt.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert activity %s: %w", a.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	stored, err = db.ReadActivity(ctx, a.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

func (db *DB) ReadActivity(ctx context.Context, id string) (*domain.Activity, error) {
	a, err := scanActivity(db.q.QueryRowContext(ctx, sqlSelectActivityById, id))
	if err != nil {
		return nil, notFound(err, "activity "+id)
	}
	return a, nil
}

// ReadOutbox lists the local activities of one type an actor authored, newest first.
func (db *DB) ReadOutbox(ctx context.Context, actorId uuid.UUID, activityType string, limit int) ([]domain.Activity, error) {
	rows, err := db.q.QueryContext(ctx, sqlSelectActorOutbox, actorId.String(), activityType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

func (db *DB) CountOutbox(ctx context.Context, actorId uuid.UUID, activityType string) (int, error) {
	var n int
	err := db.q.QueryRowContext(ctx, sqlCountActorOutbox, actorId.String(), activityType).Scan(&n)
	return n, err
}
