package domain

import (
	"time"

	"github.com/google/uuid"
)

// Post is a submission to a community, local or federated in.
type Post struct {
	Id           uuid.UUID
	URI          string
	CommunityURI string
	AuthorURI    string
	Title        string
	Body         string
	URL          string
	Published    time.Time
	Updated      *time.Time
	Removed      bool // removed by a moderator, tombstoned but kept
	Locked       bool
	Featured     bool
	Local        bool
}

// Comment is a reply to a post or to another comment.
type Comment struct {
	Id        uuid.UUID
	URI       string
	PostURI   string
	ParentURI string // empty for top-level comments
	AuthorURI string
	Content   string
	Published time.Time
	Removed   bool
	Local     bool
}

// Vote is a single actor's score on a post or comment. One vote per
// (actor, object) pair; a later vote with a different score replaces it.
type Vote struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	Score     int // +1 or -1
	CreatedAt time.Time
}

// Follow represents a follow relationship between two actors, either of
// which may be local or remote. URI is the Follow activity identifier.
type Follow struct {
	Id          uuid.UUID
	FollowerURI string
	TargetURI   string
	URI         string
	Accepted    bool
	CreatedAt   time.Time
}

// CommunityModerator grants an actor moderation rights in a community.
type CommunityModerator struct {
	Id           uuid.UUID
	CommunityURI string
	ActorURI     string
	AddedAt      time.Time
}

// CommunityBlock bans an actor from a community.
type CommunityBlock struct {
	Id           uuid.UUID
	CommunityURI string
	ActorURI     string
	CreatedAt    time.Time
}
