package db

import (
	"database/sql"
	"time"

	"github.com/glypto/glyptodon/domain"
	"github.com/google/uuid"
)

// Posts queries
const (
	sqlInsertPost          = `INSERT INTO posts(id, uri, community_uri, author_uri, title, body, url, published, updated, removed, locked, featured, local) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPostByURI     = `SELECT id, uri, community_uri, author_uri, title, body, url, published, updated, removed, locked, featured, local FROM posts WHERE uri = ?`
	sqlUpdatePostContent   = `UPDATE posts SET title = ?, body = ?, url = ?, updated = ? WHERE uri = ?`
	sqlUpdatePostRemoved   = `UPDATE posts SET removed = ? WHERE uri = ?`
	sqlUpdatePostLocked    = `UPDATE posts SET locked = ? WHERE uri = ?`
	sqlUpdatePostFeatured  = `UPDATE posts SET featured = ? WHERE uri = ?`
	sqlDeletePostByURI     = `DELETE FROM posts WHERE uri = ?`
	sqlSelectFeaturedPosts = `SELECT id, uri, community_uri, author_uri, title, body, url, published, updated, removed, locked, featured, local FROM posts WHERE community_uri = ? AND featured = 1 ORDER BY published DESC`
)

func (db *DB) CreatePost(post *domain.Post) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.CreatePostTx(tx, post)
	})
}

func (db *DB) CreatePostTx(tx *sql.Tx, post *domain.Post) error {
	_, err := tx.Exec(sqlInsertPost,
		post.Id.String(),
		post.URI,
		post.CommunityURI,
		post.AuthorURI,
		post.Title,
		post.Body,
		post.URL,
		post.Published,
		post.Updated,
		post.Removed,
		post.Locked,
		post.Featured,
		post.Local,
	)
	return err
}

func (db *DB) ReadPostByURI(uri string) (error, *domain.Post) {
	row := db.db.QueryRow(sqlSelectPostByURI, uri)
	return scanPost(row)
}

func scanPost(row *sql.Row) (error, *domain.Post) {
	var post domain.Post
	var idStr string
	err := row.Scan(&idStr, &post.URI, &post.CommunityURI, &post.AuthorURI, &post.Title, &post.Body, &post.URL, &post.Published, &post.Updated, &post.Removed, &post.Locked, &post.Featured, &post.Local)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	post.Id, _ = uuid.Parse(idStr)
	return nil, &post
}

func (db *DB) UpdatePostContentTx(tx *sql.Tx, uri, title, body, url string, updated time.Time) error {
	_, err := tx.Exec(sqlUpdatePostContent, title, body, url, updated, uri)
	return err
}

func (db *DB) SetPostRemovedTx(tx *sql.Tx, uri string, removed bool) error {
	_, err := tx.Exec(sqlUpdatePostRemoved, removed, uri)
	return err
}

func (db *DB) SetPostLockedTx(tx *sql.Tx, uri string, locked bool) error {
	_, err := tx.Exec(sqlUpdatePostLocked, locked, uri)
	return err
}

func (db *DB) SetPostFeaturedTx(tx *sql.Tx, uri string, featured bool) error {
	_, err := tx.Exec(sqlUpdatePostFeatured, featured, uri)
	return err
}

func (db *DB) DeletePostTx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeletePostByURI, uri)
	return err
}

func (db *DB) ReadFeaturedPosts(communityURI string) (error, *[]domain.Post) {
	rows, err := db.db.Query(sqlSelectFeaturedPosts, communityURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var post domain.Post
		var idStr string
		if err := rows.Scan(&idStr, &post.URI, &post.CommunityURI, &post.AuthorURI, &post.Title, &post.Body, &post.URL, &post.Published, &post.Updated, &post.Removed, &post.Locked, &post.Featured, &post.Local); err != nil {
			return err, &posts
		}
		post.Id, _ = uuid.Parse(idStr)
		posts = append(posts, post)
	}
	if err = rows.Err(); err != nil {
		return err, &posts
	}
	return nil, &posts
}

// Comments queries
const (
	sqlInsertComment        = `INSERT INTO comments(id, uri, post_uri, parent_uri, author_uri, content, published, removed, local) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectCommentByURI   = `SELECT id, uri, post_uri, parent_uri, author_uri, content, published, removed, local FROM comments WHERE uri = ?`
	sqlUpdateCommentContent = `UPDATE comments SET content = ? WHERE uri = ?`
	sqlUpdateCommentRemoved = `UPDATE comments SET removed = ? WHERE uri = ?`
	sqlDeleteCommentByURI   = `DELETE FROM comments WHERE uri = ?`
)

func (db *DB) CreateComment(comment *domain.Comment) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.CreateCommentTx(tx, comment)
	})
}

func (db *DB) CreateCommentTx(tx *sql.Tx, comment *domain.Comment) error {
	_, err := tx.Exec(sqlInsertComment,
		comment.Id.String(),
		comment.URI,
		comment.PostURI,
		comment.ParentURI,
		comment.AuthorURI,
		comment.Content,
		comment.Published,
		comment.Removed,
		comment.Local,
	)
	return err
}

func (db *DB) ReadCommentByURI(uri string) (error, *domain.Comment) {
	row := db.db.QueryRow(sqlSelectCommentByURI, uri)
	var comment domain.Comment
	var idStr string
	err := row.Scan(&idStr, &comment.URI, &comment.PostURI, &comment.ParentURI, &comment.AuthorURI, &comment.Content, &comment.Published, &comment.Removed, &comment.Local)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	comment.Id, _ = uuid.Parse(idStr)
	return nil, &comment
}

func (db *DB) UpdateCommentContentTx(tx *sql.Tx, uri, content string) error {
	_, err := tx.Exec(sqlUpdateCommentContent, content, uri)
	return err
}

func (db *DB) SetCommentRemovedTx(tx *sql.Tx, uri string, removed bool) error {
	_, err := tx.Exec(sqlUpdateCommentRemoved, removed, uri)
	return err
}

func (db *DB) DeleteCommentTx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeleteCommentByURI, uri)
	return err
}

// Votes queries
const (
	sqlUpsertVote = `INSERT INTO votes(id, actor_uri, object_uri, score, created_at) VALUES (?, ?, ?, ?, ?)
                        ON CONFLICT(actor_uri, object_uri) DO UPDATE SET score = excluded.score, created_at = excluded.created_at`
	sqlSelectVote = `SELECT id, actor_uri, object_uri, score, created_at FROM votes WHERE actor_uri = ? AND object_uri = ?`
	sqlDeleteVote = `DELETE FROM votes WHERE actor_uri = ? AND object_uri = ?`
	sqlCountVotes = `SELECT COALESCE(SUM(score), 0) FROM votes WHERE object_uri = ?`
)

func (db *DB) UpsertVoteTx(tx *sql.Tx, vote *domain.Vote) error {
	_, err := tx.Exec(sqlUpsertVote,
		vote.Id.String(),
		vote.ActorURI,
		vote.ObjectURI,
		vote.Score,
		vote.CreatedAt,
	)
	return err
}

func (db *DB) ReadVote(actorURI, objectURI string) (error, *domain.Vote) {
	row := db.db.QueryRow(sqlSelectVote, actorURI, objectURI)
	var vote domain.Vote
	var idStr string
	err := row.Scan(&idStr, &vote.ActorURI, &vote.ObjectURI, &vote.Score, &vote.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	vote.Id, _ = uuid.Parse(idStr)
	return nil, &vote
}

func (db *DB) DeleteVoteTx(tx *sql.Tx, actorURI, objectURI string) error {
	_, err := tx.Exec(sqlDeleteVote, actorURI, objectURI)
	return err
}

// ReadScore returns the summed vote score for an object.
func (db *DB) ReadScore(objectURI string) (error, int) {
	row := db.db.QueryRow(sqlCountVotes, objectURI)
	var score int
	if err := row.Scan(&score); err != nil {
		return err, 0
	}
	return nil, score
}
