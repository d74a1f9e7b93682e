package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a local person actor with its signing keypair.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	PublicKeyPem  string
	PrivateKeyPem string
	Service       bool // instance service actor used for signed fetches
	CreatedAt     time.Time
}

// Community represents a local group actor. Communities own their posts'
// moderation state and announce member activity to their followers.
type Community struct {
	Id            uuid.UUID
	Name          string
	Title         string
	Description   string
	PublicKeyPem  string
	PrivateKeyPem string
	CreatedAt     time.Time
}

// Actor kinds as they appear in actor documents.
const (
	ActorKindPerson = "Person"
	ActorKindGroup  = "Group"
)

// RemoteActor is a cached read-only copy of a federated identity,
// refreshed when LastFetchedAt falls outside the staleness window.
type RemoteActor struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	Kind           string // Person or Group
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyPem   string
	LastFetchedAt  time.Time
}

// Endpoint returns the delivery endpoint for this actor, preferring the
// instance-wide shared inbox when the actor advertises one.
func (a *RemoteActor) Endpoint() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}
