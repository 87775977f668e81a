package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/fedletic/domain"
)

const (
	// accepted never goes back to pending through an upsert; Undo deletes the edge instead
	sqlUpsertFollow = `INSERT INTO follows(id, actor_id, target_id, activity_uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, target_id) DO UPDATE SET
			accepted = MAX(follows.accepted, excluded.accepted),
			activity_uri = CASE WHEN follows.activity_uri = '' THEN excluded.activity_uri ELSE follows.activity_uri END`
	sqlSelectFollow = `SELECT id, actor_id, target_id, activity_uri, accepted, created_at FROM follows
		WHERE actor_id = ? AND target_id = ?`
	sqlSelectFollowByActivity = `SELECT id, actor_id, target_id, activity_uri, accepted, created_at FROM follows
		WHERE activity_uri = ?`
	sqlDeleteFollow = `DELETE FROM follows WHERE actor_id = ? AND target_id = ?`

	sqlSelectFollowers = `SELECT ` + actorColumnsA + ` FROM follows f
		INNER JOIN actors a ON a.id = f.actor_id
		WHERE f.target_id = ? AND f.accepted = 1
		ORDER BY f.created_at`
	sqlSelectFollowing = `SELECT ` + actorColumnsA + ` FROM follows f
		INNER JOIN actors a ON a.id = f.target_id
		WHERE f.actor_id = ? AND f.accepted = 1
		ORDER BY f.created_at`
	sqlSelectFollowerInboxes = `SELECT DISTINCT CASE WHEN a.shared_inbox_url != '' THEN a.shared_inbox_url ELSE a.inbox_url END AS inbox
		FROM follows f
		INNER JOIN actors a ON a.id = f.actor_id
		WHERE f.target_id = ? AND f.accepted = 1 AND a.is_remote = 1
		ORDER BY inbox`
)

const actorColumnsA = `a.id, a.webfinger, a.name, a.summary, a.actor_url, a.profile_url, a.inbox_url, a.outbox_url,
	a.followers_url, a.following_url, a.shared_inbox_url, a.is_remote, a.public_key_pem, a.private_key_pem,
	a.icon_path, a.header_path, a.last_fetched_at, a.created_at`

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	if err := row.Scan(&f.Id, &f.ActorId, &f.TargetId, &f.ActivityURI, &f.Accepted, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFollow creates the edge ActorId -> TargetId or merges into the existing one.
// Returns the stored edge.
func (db *DB) UpsertFollow(ctx context.Context, f *domain.Follow) (*domain.Follow, error) {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := db.q.ExecContext(ctx, sqlUpsertFollow,
		f.Id.String(), f.ActorId.String(), f.TargetId.String(), f.ActivityURI, f.Accepted, f.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert follow: %w", err)
	}
	return db.ReadFollow(ctx, f.ActorId, f.TargetId)
}

func (db *DB) ReadFollow(ctx context.Context, actorId, targetId uuid.UUID) (*domain.Follow, error) {
	f, err := scanFollow(db.q.QueryRowContext(ctx, sqlSelectFollow, actorId.String(), targetId.String()))
	if err != nil {
		return nil, notFound(err, "follow")
	}
	return f, nil
}

func (db *DB) ReadFollowByActivity(ctx context.Context, activityURI string) (*domain.Follow, error) {
	f, err := scanFollow(db.q.QueryRowContext(ctx, sqlSelectFollowByActivity, activityURI))
	if err != nil {
		return nil, notFound(err, "follow "+activityURI)
	}
	return f, nil
}

// DeleteFollow removes the edge if present and reports whether it existed.
func (db *DB) DeleteFollow(ctx context.Context, actorId, targetId uuid.UUID) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteFollow, actorId.String(), targetId.String())
	if err != nil {
		return false, fmt.Errorf("failed to delete follow: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReadFollowers lists actors with an accepted edge to actorId.
func (db *DB) ReadFollowers(ctx context.Context, actorId uuid.UUID) ([]domain.Actor, error) {
	return db.queryActors(ctx, sqlSelectFollowers, actorId.String())
}

// ReadFollowing lists actors actorId follows with an accepted edge.
func (db *DB) ReadFollowing(ctx context.Context, actorId uuid.UUID) ([]domain.Actor, error) {
	return db.queryActors(ctx, sqlSelectFollowing, actorId.String())
}

// ReadFollowerInboxes returns the distinct delivery inboxes of actorId's remote accepted
// followers: the shared inbox where one is advertised, else the personal inbox.
func (db *DB) ReadFollowerInboxes(ctx context.Context, actorId uuid.UUID) ([]string, error) {
	rows, err := db.q.QueryContext(ctx, sqlSelectFollowerInboxes, actorId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}
