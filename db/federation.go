package db

import (
	"database/sql"
	"time"

	"github.com/glypto/glyptodon/domain"
	"github.com/google/uuid"
)

// Remote actors queries
const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(id, username, domain, kind, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, last_fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                        ON CONFLICT(actor_uri) DO UPDATE SET username = excluded.username, kind = excluded.kind, display_name = excluded.display_name, summary = excluded.summary, inbox_uri = excluded.inbox_uri, shared_inbox_uri = excluded.shared_inbox_uri, outbox_uri = excluded.outbox_uri, public_key_pem = excluded.public_key_pem, last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActorByURI = `SELECT id, username, domain, kind, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, last_fetched_at FROM remote_actors WHERE actor_uri = ?`
	sqlDeleteRemoteActorByURI = `DELETE FROM remote_actors WHERE actor_uri = ?`
)

func (db *DB) UpsertRemoteActor(actor *domain.RemoteActor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteActor,
			actor.Id.String(),
			actor.Username,
			actor.Domain,
			actor.Kind,
			actor.ActorURI,
			actor.DisplayName,
			actor.Summary,
			actor.InboxURI,
			actor.SharedInboxURI,
			actor.OutboxURI,
			actor.PublicKeyPem,
			actor.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteActorByURI(uri string) (error, *domain.RemoteActor) {
	row := db.db.QueryRow(sqlSelectRemoteActorByURI, uri)
	var actor domain.RemoteActor
	var idStr string
	err := row.Scan(
		&idStr,
		&actor.Username,
		&actor.Domain,
		&actor.Kind,
		&actor.ActorURI,
		&actor.DisplayName,
		&actor.Summary,
		&actor.InboxURI,
		&actor.SharedInboxURI,
		&actor.OutboxURI,
		&actor.PublicKeyPem,
		&actor.LastFetchedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	actor.Id, _ = uuid.Parse(idStr)
	return nil, &actor
}

func (db *DB) DeleteRemoteActorTx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeleteRemoteActorByURI, uri)
	return err
}

const (
	sqlDeletePostsByAuthor    = `DELETE FROM posts WHERE author_uri = ?`
	sqlDeleteCommentsByAuthor = `DELETE FROM comments WHERE author_uri = ?`
	sqlDeleteVotesByActor     = `DELETE FROM votes WHERE actor_uri = ?`
	sqlDeleteFollowsOfActor   = `DELETE FROM follows WHERE follower_uri = ? OR target_uri = ?`
)

// DeleteActorContentTx purges everything attributed to an actor: posts,
// comments, votes and follow edges in either direction. Runs when an
// actor deletes itself.
func (db *DB) DeleteActorContentTx(tx *sql.Tx, actorURI string) error {
	if _, err := tx.Exec(sqlDeletePostsByAuthor, actorURI); err != nil {
		return err
	}
	if _, err := tx.Exec(sqlDeleteCommentsByAuthor, actorURI); err != nil {
		return err
	}
	if _, err := tx.Exec(sqlDeleteVotesByActor, actorURI); err != nil {
		return err
	}
	_, err := tx.Exec(sqlDeleteFollowsOfActor, actorURI, actorURI)
	return err
}

// Follow queries
const (
	sqlInsertFollow = `INSERT INTO follows(id, follower_uri, target_uri, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)
                        ON CONFLICT(follower_uri, target_uri) DO NOTHING`
	sqlSelectFollowByURI  = `SELECT id, follower_uri, target_uri, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlSelectFollowByPair = `SELECT id, follower_uri, target_uri, uri, accepted, created_at FROM follows WHERE follower_uri = ? AND target_uri = ?`
	sqlSelectFollowersOf  = `SELECT id, follower_uri, target_uri, uri, accepted, created_at FROM follows WHERE target_uri = ? AND accepted = 1`
	sqlDeleteFollowByURI  = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI  = `UPDATE follows SET accepted = 1 WHERE uri = ?`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.CreateFollowTx(tx, follow)
	})
}

func (db *DB) CreateFollowTx(tx *sql.Tx, follow *domain.Follow) error {
	_, err := tx.Exec(sqlInsertFollow,
		follow.Id.String(),
		follow.FollowerURI,
		follow.TargetURI,
		follow.URI,
		follow.Accepted,
		follow.CreatedAt,
	)
	return err
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByURI, uri)
	return scanFollow(row)
}

func (db *DB) ReadFollowByPair(followerURI, targetURI string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByPair, followerURI, targetURI)
	return scanFollow(row)
}

func scanFollow(row *sql.Row) (error, *domain.Follow) {
	var follow domain.Follow
	var idStr string
	err := row.Scan(&idStr, &follow.FollowerURI, &follow.TargetURI, &follow.URI, &follow.Accepted, &follow.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	return nil, &follow
}

// ReadFollowersOf returns accepted follows targeting the given actor URI.
func (db *DB) ReadFollowersOf(targetURI string) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowersOf, targetURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		var idStr string
		if err := rows.Scan(&idStr, &follow.FollowerURI, &follow.TargetURI, &follow.URI, &follow.Accepted, &follow.CreatedAt); err != nil {
			return err, &followers
		}
		follow.Id, _ = uuid.Parse(idStr)
		followers = append(followers, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

func (db *DB) DeleteFollowByURITx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeleteFollowByURI, uri)
	return err
}

func (db *DB) AcceptFollowByURITx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlAcceptFollowByURI, uri)
	return err
}

// Community moderators queries
const (
	sqlInsertModerator = `INSERT INTO community_moderators(id, community_uri, actor_uri, added_at) VALUES (?, ?, ?, ?)
                        ON CONFLICT(community_uri, actor_uri) DO NOTHING`
	sqlDeleteModerator  = `DELETE FROM community_moderators WHERE community_uri = ? AND actor_uri = ?`
	sqlSelectModerator  = `SELECT id, community_uri, actor_uri, added_at FROM community_moderators WHERE community_uri = ? AND actor_uri = ?`
	sqlSelectModerators = `SELECT id, community_uri, actor_uri, added_at FROM community_moderators WHERE community_uri = ? ORDER BY added_at ASC`
)

func (db *DB) AddModeratorTx(tx *sql.Tx, mod *domain.CommunityModerator) error {
	_, err := tx.Exec(sqlInsertModerator, mod.Id.String(), mod.CommunityURI, mod.ActorURI, mod.AddedAt)
	return err
}

func (db *DB) AddModerator(mod *domain.CommunityModerator) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.AddModeratorTx(tx, mod)
	})
}

func (db *DB) RemoveModeratorTx(tx *sql.Tx, communityURI, actorURI string) error {
	_, err := tx.Exec(sqlDeleteModerator, communityURI, actorURI)
	return err
}

func (db *DB) IsModerator(communityURI, actorURI string) bool {
	row := db.db.QueryRow(sqlSelectModerator, communityURI, actorURI)
	var mod domain.CommunityModerator
	var idStr string
	err := row.Scan(&idStr, &mod.CommunityURI, &mod.ActorURI, &mod.AddedAt)
	return err == nil
}

func (db *DB) ReadModerators(communityURI string) (error, *[]domain.CommunityModerator) {
	rows, err := db.db.Query(sqlSelectModerators, communityURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var mods []domain.CommunityModerator
	for rows.Next() {
		var mod domain.CommunityModerator
		var idStr string
		if err := rows.Scan(&idStr, &mod.CommunityURI, &mod.ActorURI, &mod.AddedAt); err != nil {
			return err, &mods
		}
		mod.Id, _ = uuid.Parse(idStr)
		mods = append(mods, mod)
	}
	if err = rows.Err(); err != nil {
		return err, &mods
	}
	return nil, &mods
}

// Community blocks queries
const (
	sqlInsertCommunityBlock = `INSERT INTO community_blocks(id, community_uri, actor_uri, created_at) VALUES (?, ?, ?, ?)
                        ON CONFLICT(community_uri, actor_uri) DO NOTHING`
	sqlDeleteCommunityBlock = `DELETE FROM community_blocks WHERE community_uri = ? AND actor_uri = ?`
	sqlSelectCommunityBlock = `SELECT id FROM community_blocks WHERE community_uri = ? AND actor_uri = ?`
)

func (db *DB) AddCommunityBlockTx(tx *sql.Tx, block *domain.CommunityBlock) error {
	_, err := tx.Exec(sqlInsertCommunityBlock, block.Id.String(), block.CommunityURI, block.ActorURI, block.CreatedAt)
	return err
}

func (db *DB) RemoveCommunityBlockTx(tx *sql.Tx, communityURI, actorURI string) error {
	_, err := tx.Exec(sqlDeleteCommunityBlock, communityURI, actorURI)
	return err
}

func (db *DB) IsBlockedFromCommunity(communityURI, actorURI string) bool {
	row := db.db.QueryRow(sqlSelectCommunityBlock, communityURI, actorURI)
	var idStr string
	return row.Scan(&idStr) == nil
}

// Activity ledger queries
const (
	sqlInsertActivity               = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, outcome, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI          = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, outcome, local, created_at FROM activities WHERE activity_uri = ?`
	sqlSelectLocalActivitiesByActor = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, outcome, local, created_at FROM activities WHERE actor_uri = ? AND local = 1 ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountLocalActivitiesByActor  = `SELECT COUNT(*) FROM activities WHERE actor_uri = ? AND local = 1`
	sqlPruneActivities              = `DELETE FROM activities WHERE created_at < ?`
)

func (db *DB) CreateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.createActivityTx(tx, activity)
	})
}

func (db *DB) createActivityTx(tx *sql.Tx, activity *domain.Activity) error {
	_, err := tx.Exec(sqlInsertActivity,
		activity.Id.String(),
		activity.ActivityURI,
		activity.ActivityType,
		activity.ActorURI,
		activity.ObjectURI,
		activity.RawJSON,
		activity.Outcome,
		activity.Local,
		activity.CreatedAt,
	)
	return err
}

// ApplyActivity records the ledger entry and runs the side-effecting
// mutation in one transaction: either both land or neither. A nil mutate
// records the entry alone (rejected activities are remembered too, so a
// deterministically failing remote cannot trigger a retry storm).
func (db *DB) ApplyActivity(activity *domain.Activity, mutate func(tx *sql.Tx) error) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		return db.createActivityTx(tx, activity)
	})
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivityByURI, uri)
	var activity domain.Activity
	var idStr string
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&activity.Outcome,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	return nil, &activity
}

// ReadLocalActivitiesByActor pages through an actor's locally originated
// activities, newest first. Backs the served outbox collection.
func (db *DB) ReadLocalActivitiesByActor(actorURI string, limit, offset int) (error, *[]domain.Activity) {
	rows, err := db.db.Query(sqlSelectLocalActivitiesByActor, actorURI, limit, offset)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		var activity domain.Activity
		var idStr string
		if err := rows.Scan(&idStr, &activity.ActivityURI, &activity.ActivityType, &activity.ActorURI, &activity.ObjectURI, &activity.RawJSON, &activity.Outcome, &activity.Local, &activity.CreatedAt); err != nil {
			return err, &activities
		}
		activity.Id, _ = uuid.Parse(idStr)
		activities = append(activities, activity)
	}
	if err = rows.Err(); err != nil {
		return err, &activities
	}
	return nil, &activities
}

func (db *DB) CountLocalActivitiesByActor(actorURI string) (error, int) {
	row := db.db.QueryRow(sqlCountLocalActivitiesByActor, actorURI)
	var count int
	if err := row.Scan(&count); err != nil {
		return err, 0
	}
	return nil, count
}

// PruneActivitiesBefore drops ledger entries older than the retention
// cutoff. The ledger is a bounded store, not an archive.
func (db *DB) PruneActivitiesBefore(cutoff time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlPruneActivities, cutoff)
		return err
	})
}

// Delivery queue queries
const (
	sqlInsertDeliveryQueue = `INSERT INTO delivery_queue(id, activity_uri, actor_uri, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDueDeliveries = `SELECT id, activity_uri, actor_uri, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue q
                        WHERE q.next_retry_at <= ?
                          AND NOT EXISTS (SELECT 1 FROM delivery_queue p WHERE p.inbox_uri = q.inbox_uri AND p.created_at < q.created_at AND p.next_retry_at > ?)
                        ORDER BY q.created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt      = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery             = `DELETE FROM delivery_queue WHERE id = ?`
	sqlDeleteDeliveriesByActivity = `DELETE FROM delivery_queue WHERE activity_uri = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.ActivityURI,
			item.ActorURI,
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt,
			item.CreatedAt,
		)
		return err
	})
}

// ReadDueDeliveries returns queued deliveries ready to attempt. A
// destination whose oldest pending delivery is still waiting out a
// retry backoff is held back entirely, so activities reach each inbox
// in the order they were queued.
func (db *DB) ReadDueDeliveries(now time.Time, limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectDueDeliveries, now, now, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		if err := rows.Scan(&idStr, &item.ActivityURI, &item.ActorURI, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

// DeleteDeliveriesByActivityURI drops every pending delivery of an
// activity, used when the activity is superseded (e.g. deleted) before
// all destinations were reached.
func (db *DB) DeleteDeliveriesByActivityURI(activityURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDeliveriesByActivity, activityURI)
		return err
	})
}

// Blocked instances queries
const (
	sqlInsertBlockedInstance = `INSERT INTO blocked_instances(id, domain, reason, created_at) VALUES (?, ?, ?, ?)
                        ON CONFLICT(domain) DO NOTHING`
	sqlDeleteBlockedInstance = `DELETE FROM blocked_instances WHERE domain = ?`
	sqlSelectBlockedInstance = `SELECT id FROM blocked_instances WHERE domain = ?`
)

func (db *DB) BlockInstance(block *domain.BlockedInstance) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertBlockedInstance, block.Id.String(), block.Domain, block.Reason, block.CreatedAt)
		return err
	})
}

func (db *DB) UnblockInstance(domainName string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteBlockedInstance, domainName)
		return err
	})
}

func (db *DB) IsInstanceBlocked(domainName string) bool {
	row := db.db.QueryRow(sqlSelectBlockedInstance, domainName)
	var idStr string
	return row.Scan(&idStr) == nil
}
