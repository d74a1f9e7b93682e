package domain

import (
	"time"

	"github.com/google/uuid"
)

// Activity outcome values. An activity URI only ever lands in the ledger
// once; the recorded outcome is what a retransmission reports again.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// Activity is the seen-activity ledger entry keyed by ActivityURI. It is
// consulted before any side effect and written atomically with the side
// effect, which is what makes reprocessing a replay-safe no-op.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Create, Update, Delete, Like, Follow, Announce, ...
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Outcome      string // applied or rejected
	Local        bool   // true if originated from this server
	CreatedAt    time.Time
}

// DeliveryQueueItem is one pending delivery of a signed activity to one
// destination inbox. Removed on success, permanent failure, or after the
// retry budget is exhausted.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	ActivityURI  string
	ActorURI     string // signing actor
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

// BlockedInstance is a defederated peer. Anything referencing it is
// refused before any network traffic happens.
type BlockedInstance struct {
	Id        uuid.UUID
	Domain    string
	Reason    string
	CreatedAt time.Time
}
