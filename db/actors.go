package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/fedletic/domain"
)

const actorColumns = `id, webfinger, name, summary, actor_url, profile_url, inbox_url, outbox_url,
	followers_url, following_url, shared_inbox_url, is_remote, public_key_pem, private_key_pem,
	icon_path, header_path, last_fetched_at, created_at`

const (
	sqlInsertActor = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// concurrent first fetches of the same remote actor converge on one row
	sqlUpsertRemoteActor = sqlInsertActor + `
		ON CONFLICT(actor_url) DO UPDATE SET
			webfinger = excluded.webfinger,
			name = excluded.name,
			summary = excluded.summary,
			profile_url = excluded.profile_url,
			inbox_url = excluded.inbox_url,
			outbox_url = excluded.outbox_url,
			followers_url = excluded.followers_url,
			following_url = excluded.following_url,
			shared_inbox_url = excluded.shared_inbox_url,
			public_key_pem = excluded.public_key_pem,
			icon_path = CASE WHEN excluded.icon_path != '' THEN excluded.icon_path ELSE actors.icon_path END,
			header_path = CASE WHEN excluded.header_path != '' THEN excluded.header_path ELSE actors.header_path END,
			last_fetched_at = excluded.last_fetched_at
		WHERE actors.is_remote = 1`

	sqlSelectActorByURL       = `SELECT ` + actorColumns + ` FROM actors WHERE actor_url = ?`
	sqlSelectActorByWebfinger = `SELECT ` + actorColumns + ` FROM actors WHERE webfinger = ?`
	sqlSelectActorById        = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectLocalActors      = `SELECT ` + actorColumns + ` FROM actors WHERE is_remote = 0 ORDER BY created_at`
	sqlCountLocalActors       = `SELECT COUNT(*) FROM actors WHERE is_remote = 0`
	sqlUpdateActorMedia       = `UPDATE actors SET icon_path = ?, header_path = ? WHERE id = ?`
)

func scanActor(row rowScanner) (*domain.Actor, error) {
	var a domain.Actor
	err := row.Scan(&a.Id, &a.Webfinger, &a.Name, &a.Summary, &a.ActorURL, &a.ProfileURL, &a.InboxURL,
		&a.OutboxURL, &a.FollowersURL, &a.FollowingURL, &a.SharedInboxURL, &a.IsRemote,
		&a.PublicKeyPem, &a.PrivateKeyPem, &a.IconPath, &a.HeaderPath, &a.LastFetchedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func actorArgs(a *domain.Actor) []any {
	return []any{a.Id.String(), a.Webfinger, a.Name, a.Summary, a.ActorURL, a.ProfileURL, a.InboxURL,
		a.OutboxURL, a.FollowersURL, a.FollowingURL, a.SharedInboxURL, a.IsRemote,
		a.PublicKeyPem, a.PrivateKeyPem, a.IconPath, a.HeaderPath, a.LastFetchedAt.UTC(), a.CreatedAt.UTC()}
}

// CreateLocalActor inserts a locally owned actor. Duplicate webfinger or actor URL is an error.
func (db *DB) CreateLocalActor(ctx context.Context, a *domain.Actor) error {
	if a.IsRemote || a.PrivateKeyPem == "" {
		return fmt.Errorf("local actor %s must hold a private key", a.Webfinger)
	}
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastFetchedAt.IsZero() {
		a.LastFetchedAt = now
	}
	if _, err := db.q.ExecContext(ctx, sqlInsertActor, actorArgs(a)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("actor %s already exists: %w", a.Webfinger, err)
		}
		return fmt.Errorf("failed to create actor: %w", err)
	}
	return nil
}

// UpsertRemoteActor creates or refreshes a remote actor keyed by actor URL and returns
// the stored row. The existing id is kept on update.
func (db *DB) UpsertRemoteActor(ctx context.Context, a *domain.Actor) (*domain.Actor, error) {
	row := *a
	row.IsRemote = true
	row.PrivateKeyPem = ""
	if row.Id == uuid.Nil {
		row.Id = uuid.New()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.LastFetchedAt.IsZero() {
		row.LastFetchedAt = now
	}

	if _, err := db.q.ExecContext(ctx, sqlUpsertRemoteActor, actorArgs(&row)...); err != nil {
		return nil, fmt.Errorf("failed to upsert actor %s: %w", a.ActorURL, err)
	}

	stored, err := db.ReadActorByURL(ctx, a.ActorURL)
	if err != nil {
		return nil, err
	}
	if !stored.IsRemote {
		return nil, fmt.Errorf("actor %s is local and cannot be overwritten by a remote document", a.ActorURL)
	}
	return stored, nil
}

func (db *DB) ReadActorByURL(ctx context.Context, actorURL string) (*domain.Actor, error) {
	a, err := scanActor(db.q.QueryRowContext(ctx, sqlSelectActorByURL, actorURL))
	if err != nil {
		return nil, notFound(err, "actor "+actorURL)
	}
	return a, nil
}

func (db *DB) ReadActorByWebfinger(ctx context.Context, webfinger string) (*domain.Actor, error) {
	a, err := scanActor(db.q.QueryRowContext(ctx, sqlSelectActorByWebfinger, webfinger))
	if err != nil {
		return nil, notFound(err, "actor "+webfinger)
	}
	return a, nil
}

func (db *DB) ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	a, err := scanActor(db.q.QueryRowContext(ctx, sqlSelectActorById, id.String()))
	if err != nil {
		return nil, notFound(err, "actor "+id.String())
	}
	return a, nil
}

func (db *DB) ReadLocalActors(ctx context.Context) ([]domain.Actor, error) {
	return db.queryActors(ctx, sqlSelectLocalActors)
}

func (db *DB) CountLocalActors(ctx context.Context) (int, error) {
	var n int
	err := db.q.QueryRowContext(ctx, sqlCountLocalActors).Scan(&n)
	return n, err
}

func (db *DB) UpdateActorMedia(ctx context.Context, id uuid.UUID, iconPath, headerPath string) error {
	_, err := db.q.ExecContext(ctx, sqlUpdateActorMedia, iconPath, headerPath, id.String())
	return err
}

func (db *DB) queryActors(ctx context.Context, query string, args ...any) ([]domain.Actor, error) {
	rows, err := db.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}
