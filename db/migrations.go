package db

import (
	"context"

	"go.uber.org/zap"
)

const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		webfinger TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		actor_url TEXT UNIQUE NOT NULL,
		profile_url TEXT NOT NULL DEFAULT '',
		inbox_url TEXT NOT NULL,
		outbox_url TEXT NOT NULL DEFAULT '',
		followers_url TEXT NOT NULL DEFAULT '',
		following_url TEXT NOT NULL DEFAULT '',
		shared_inbox_url TEXT NOT NULL DEFAULT '',
		is_remote INTEGER NOT NULL DEFAULT 1,
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL DEFAULT '',
		icon_path TEXT NOT NULL DEFAULT '',
		header_path TEXT NOT NULL DEFAULT '',
		last_fetched_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK ((is_remote = 1 AND private_key_pem = '') OR (is_remote = 0 AND private_key_pem != ''))
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_is_remote ON actors(is_remote);
	`

	// id is the activity URI, never a generated surrogate
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id),
		actor_url TEXT NOT NULL,
		target_id TEXT REFERENCES actors(id),
		activity_type TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		object_json TEXT NOT NULL DEFAULT '',
		additional_fields TEXT NOT NULL DEFAULT '{}',
		context TEXT NOT NULL DEFAULT '',
		raw_activity TEXT NOT NULL DEFAULT '',
		is_remote INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_actor_id ON activities(actor_id);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id),
		target_id TEXT NOT NULL REFERENCES actors(id),
		activity_uri TEXT NOT NULL DEFAULT '',
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_id, target_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_id ON follows(target_id);
		CREATE INDEX IF NOT EXISTS idx_follows_activity_uri ON follows(activity_uri);
	`

	// next_retry_at is unix milliseconds so due-task comparisons stay numeric
	sqlCreateTasksTable = `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		inbox_url TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kind, activity_id, inbox_url)
	)`

	sqlCreateTasksIndices = `
		CREATE INDEX IF NOT EXISTS idx_tasks_next_retry ON tasks(next_retry_at);
	`

	sqlCreateWorkoutsTable = `CREATE TABLE IF NOT EXISTS workouts (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		actor_id TEXT NOT NULL REFERENCES actors(id),
		name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		start_time TIMESTAMP,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		distance_meters REAL NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateWorkoutsIndices = `
		CREATE INDEX IF NOT EXISTS idx_workouts_actor_id ON workouts(actor_id);
		CREATE INDEX IF NOT EXISTS idx_workouts_start_time ON workouts(start_time DESC);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.RunInTx(ctx, func(tx *DB) error {
		tables := []struct {
			name    string
			create  string
			indices string
		}{
			{"actors", sqlCreateActorsTable, sqlCreateActorsIndices},
			{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
			{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
			{"tasks", sqlCreateTasksTable, sqlCreateTasksIndices},
			{"workouts", sqlCreateWorkoutsTable, sqlCreateWorkoutsIndices},
		}

		for _, table := range tables {
			if err := tx.createTableIfNotExists(ctx, table.create, table.name); err != nil {
				return err
			}
			if _, err := tx.q.ExecContext(ctx, table.indices); err != nil {
				tx.log.Warn("Failed to create indices", zap.String("table", table.name), zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(ctx context.Context, createSQL string, tableName string) error {
	if _, err := db.q.ExecContext(ctx, createSQL); err != nil {
		db.log.Error("Error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.log.Debug("Table created or already exists", zap.String("table", tableName))
	return nil
}
