package db

import (
	"database/sql"
	"log"
)

// Federation schema
const (
	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'Person',
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateRemoteActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_actors_actor_uri ON remote_actors(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors(domain);
	`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		community_uri TEXT NOT NULL,
		author_uri TEXT NOT NULL,
		title TEXT,
		body TEXT,
		url TEXT,
		published TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated TIMESTAMP,
		removed INTEGER DEFAULT 0,
		locked INTEGER DEFAULT 0,
		featured INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_uri ON posts(uri);
		CREATE INDEX IF NOT EXISTS idx_posts_community_uri ON posts(community_uri);
		CREATE INDEX IF NOT EXISTS idx_posts_published ON posts(published DESC);
	`

	sqlCreateCommentsTable = `CREATE TABLE IF NOT EXISTS comments (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		post_uri TEXT NOT NULL,
		parent_uri TEXT,
		author_uri TEXT NOT NULL,
		content TEXT,
		published TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		removed INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0
	)`

	sqlCreateCommentsIndices = `
		CREATE INDEX IF NOT EXISTS idx_comments_uri ON comments(uri);
		CREATE INDEX IF NOT EXISTS idx_comments_post_uri ON comments(post_uri);
	`

	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		score INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, object_uri)
	)`

	sqlCreateVotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_votes_object_uri ON votes(object_uri);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		accepted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_uri, target_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_follower_uri ON follows(follower_uri);
		CREATE INDEX IF NOT EXISTS idx_follows_target_uri ON follows(target_uri);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateModeratorsTable = `CREATE TABLE IF NOT EXISTS community_moderators (
		id TEXT NOT NULL PRIMARY KEY,
		community_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(community_uri, actor_uri)
	)`

	sqlCreateCommunityBlocksTable = `CREATE TABLE IF NOT EXISTS community_blocks (
		id TEXT NOT NULL PRIMARY KEY,
		community_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(community_uri, actor_uri)
	)`

	// Seen-activity ledger, keyed by activity URI
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'applied',
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_actor_uri ON activities(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_inbox ON delivery_queue(inbox_uri);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_activity ON delivery_queue(activity_uri);
	`

	sqlCreateBlockedInstancesTable = `CREATE TABLE IF NOT EXISTS blocked_instances (
		id TEXT NOT NULL PRIMARY KEY,
		domain TEXT UNIQUE NOT NULL,
		reason TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			stmt string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"communities", sqlCreateCommunitiesTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
			{"posts", sqlCreatePostsTable},
			{"comments", sqlCreateCommentsTable},
			{"votes", sqlCreateVotesTable},
			{"follows", sqlCreateFollowsTable},
			{"community_moderators", sqlCreateModeratorsTable},
			{"community_blocks", sqlCreateCommunityBlocksTable},
			{"activities", sqlCreateActivitiesTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
			{"blocked_instances", sqlCreateBlockedInstancesTable},
		}

		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.stmt, table.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreateRemoteActorsIndices,
			sqlCreatePostsIndices,
			sqlCreateCommentsIndices,
			sqlCreateVotesIndices,
			sqlCreateFollowsIndices,
			sqlCreateActivitiesIndices,
			sqlCreateDeliveryQueueIndices,
		}

		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	return nil
}
