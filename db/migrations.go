package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

const (
	// Persons, communities, the site actor and feeds, local or remote
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		ap_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		domain TEXT NOT NULL,
		display_name TEXT,
		summary TEXT,
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		followers_uri TEXT,
		outbox_uri TEXT,
		local INTEGER DEFAULT 0,
		private INTEGER DEFAULT 0,
		banned INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		last_refreshed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
		CREATE INDEX IF NOT EXISTS idx_actors_local_name ON actors(local, kind, name);
	`

	// Posts, comments and private messages
	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		ap_id TEXT UNIQUE NOT NULL,
		attributed_to TEXT NOT NULL,
		community TEXT,
		post TEXT,
		parent TEXT,
		recipient TEXT,
		name TEXT,
		content TEXT,
		url TEXT,
		sensitive INTEGER DEFAULT 0,
		locked INTEGER DEFAULT 0,
		stickied INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		removed INTEGER DEFAULT 0,
		published TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated TIMESTAMP
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_community ON objects(community, published DESC);
		CREATE INDEX IF NOT EXISTS idx_objects_post ON objects(post);
	`

	// Follow relationships, either side local or remote
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower TEXT NOT NULL,
		target TEXT NOT NULL,
		uri TEXT NOT NULL,
		accepted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower, target)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target ON follows(target);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		id TEXT NOT NULL PRIMARY KEY,
		actor TEXT NOT NULL,
		object TEXT NOT NULL,
		score INTEGER NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor, object)
	)`

	sqlCreateVotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_votes_object ON votes(object);
	`

	sqlCreateModeratorsTable = `CREATE TABLE IF NOT EXISTS community_moderators (
		community TEXT NOT NULL,
		moderator TEXT NOT NULL,
		position INTEGER DEFAULT 0,
		PRIMARY KEY(community, moderator)
	)`

	sqlCreateBansTable = `CREATE TABLE IF NOT EXISTS community_bans (
		community TEXT NOT NULL,
		actor TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(community, actor)
	)`

	// Activities log table (for deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		audience_json TEXT,
		processed INTEGER DEFAULT 0,
		sensitive INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		local INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	// One row per (activity, inbox) still to be delivered
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_ordering ON delivery_queue(object_uri, inbox_uri, created_at);
	`
)

var migrationTables = []struct {
	name    string
	create  string
	indices string
}{
	{"actors", sqlCreateActorsTable, sqlCreateActorsIndices},
	{"objects", sqlCreateObjectsTable, sqlCreateObjectsIndices},
	{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
	{"votes", sqlCreateVotesTable, sqlCreateVotesIndices},
	{"community_moderators", sqlCreateModeratorsTable, ""},
	{"community_bans", sqlCreateBansTable, ""},
	{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
	{"delivery_queue", sqlCreateDeliveryQueueTable, sqlCreateDeliveryQueueIndices},
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, table := range migrationTables {
			if err := db.createTableIfNotExists(ctx, tx, table.create, table.name); err != nil {
				return err
			}
			if table.indices == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, table.indices); err != nil {
				db.logger.Warn("Failed to create indices", zap.String("table", table.name), zap.Error(err))
			}
		}

		if err := db.extendExistingTables(ctx, tx); err != nil {
			return err
		}

		if err := db.backfillActivityObjectURIs(ctx, tx); err != nil {
			db.logger.Warn("Failed to backfill activity object_uri", zap.Error(err))
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(ctx context.Context, tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		db.logger.Error("Error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.logger.Debug("Table created or already exists", zap.String("table", tableName))
	return nil
}

// extraColumns were added after the first schema and are missing from
// databases created before them.
var extraColumns = []struct {
	table      string
	column     string
	definition string
}{
	{"objects", "locked", "INTEGER DEFAULT 0"},
	{"objects", "stickied", "INTEGER DEFAULT 0"},
}

func (db *DB) extendExistingTables(ctx context.Context, tx *sql.Tx) error {
	for _, c := range extraColumns {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.column).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.definition)); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", c.table, c.column, err)
		}
		db.logger.Info("Extended table", zap.String("table", c.table), zap.String("column", c.column))
	}
	return nil
}

// backfillActivityObjectURIs extracts object_uri from raw_json for logged
// activities that were stored without it.
func (db *DB) backfillActivityObjectURIs(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, raw_json FROM activities WHERE object_uri IS NULL OR object_uri = ''`)
	if err != nil {
		return err
	}
	type pending struct{ id, objectURI string }
	var updates []pending
	for rows.Next() {
		var id, rawJSON string
		if err := rows.Scan(&id, &rawJSON); err != nil {
			db.logger.Warn("Failed to scan activity", zap.Error(err))
			continue
		}
		var activity struct {
			Object any `json:"object"`
		}
		if err := json.Unmarshal([]byte(rawJSON), &activity); err != nil {
			continue
		}
		var objectURI string
		switch obj := activity.Object.(type) {
		case string:
			objectURI = obj
		case map[string]any:
			objectURI, _ = obj["id"].(string)
		}
		if objectURI != "" {
			updates = append(updates, pending{id, objectURI})
		}
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE activities SET object_uri = ? WHERE id = ?`, u.objectURI, u.id); err != nil {
			db.logger.Warn("Failed to update activity", zap.String("id", u.id), zap.Error(err))
		}
	}
	if len(updates) > 0 {
		db.logger.Info("Backfilled object_uri for activities", zap.Int("count", len(updates)))
	}
	return nil
}
