package activitypub

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
	"github.com/google/uuid"
)

// CollectionSyncer pulls a remote actor's outbox history. Implemented by
// the Synchronizer; an interface here keeps the construction order free
// of a cycle.
type CollectionSyncer interface {
	SyncOutbox(ctx context.Context, actorURI string) error
}

// Outbox builds activities for local actions, records them in the ledger
// and hands them to the Dispatcher. Every activity minted here gets a
// fresh URI under /activities/.
type Outbox struct {
	db         *db.DB
	dispatcher *Dispatcher
	conf       *util.AppConfig
	syncer     CollectionSyncer
}

func NewOutbox(database *db.DB, dispatcher *Dispatcher, conf *util.AppConfig) *Outbox {
	return &Outbox{db: database, dispatcher: dispatcher, conf: conf}
}

// SetSyncer wires the collection synchronizer, constructed after the
// outbox.
func (o *Outbox) SetSyncer(s CollectionSyncer) {
	o.syncer = s
}

func (o *Outbox) newActivityURI() string {
	return fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.SslDomain, uuid.New())
}

// send records the activity as local and queues it for the given
// recipients.
func (o *Outbox) send(activity *Activity, recipients []*domain.RemoteActor) error {
	raw, err := activity.Marshal()
	if err != nil {
		return err
	}

	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    activity.ObjectURI(),
		RawJSON:      string(raw),
		Outcome:      domain.OutcomeApplied,
		Local:        true,
		CreatedAt:    time.Now(),
	}
	if err := o.db.CreateActivity(record); err != nil {
		return fmt.Errorf("failed to record outbound activity: %w", err)
	}

	if len(recipients) == 0 {
		return nil
	}
	return o.dispatcher.Deliver(activity, activity.Actor, recipients)
}

// followerActors loads the remote actors following the target. Local
// followers need no delivery and are skipped.
func (o *Outbox) followerActors(targetURI string) []*domain.RemoteActor {
	err, follows := o.db.ReadFollowersOf(targetURI)
	if err != nil || follows == nil {
		return nil
	}
	var actors []*domain.RemoteActor
	for _, f := range *follows {
		if !f.Accepted || IsLocalURI(f.FollowerURI, o.conf.Conf.SslDomain) {
			continue
		}
		if err, actor := o.db.ReadRemoteActorByURI(f.FollowerURI); err == nil && actor != nil {
			actors = append(actors, actor)
		}
	}
	return actors
}

// audienceFor computes delivery recipients for an activity by a local
// actor in a community: the actor's followers, the community's followers
// when the community is local, or the community actor itself when it is
// remote.
func (o *Outbox) audienceFor(actorURI, communityURI string) []*domain.RemoteActor {
	recipients := o.followerActors(actorURI)
	if communityURI == "" {
		return recipients
	}
	if IsLocalURI(communityURI, o.conf.Conf.SslDomain) {
		return append(recipients, o.followerActors(communityURI)...)
	}
	if err, community := o.db.ReadRemoteActorByURI(communityURI); err == nil && community != nil {
		recipients = append(recipients, community)
	}
	return recipients
}

// SendAccept answers an applied Follow. The accepting actor is the
// follow's target; the original Follow rides along embedded.
func (o *Outbox) SendAccept(ctx context.Context, follow *Activity) error {
	embedded, err := RawObject(follow)
	if err != nil {
		return err
	}

	accept := &Activity{
		ID:     o.newActivityURI(),
		Type:   TypeAccept,
		Actor:  follow.ObjectURI(),
		To:     StringList{follow.Actor},
		Object: embedded,
	}

	err, follower := o.db.ReadRemoteActorByURI(follow.Actor)
	if err != nil || follower == nil {
		return fmt.Errorf("follower %s unknown: %w", follow.Actor, err)
	}
	return o.send(accept, []*domain.RemoteActor{follower})
}

// AnnounceToFollowers boosts an applied activity to a local community's
// followers. The origin instance is excluded; it already has the
// activity.
func (o *Outbox) AnnounceToFollowers(ctx context.Context, communityURI string, inner *Activity) error {
	embedded, err := RawObject(inner)
	if err != nil {
		return err
	}

	announce := &Activity{
		ID:       o.newActivityURI(),
		Type:     TypeAnnounce,
		Actor:    communityURI,
		To:       StringList{PublicAudience},
		Cc:       StringList{communityURI + "/followers"},
		Audience: communityURI,
		Object:   embedded,
	}

	originDomain := originOf(inner.Actor)
	var recipients []*domain.RemoteActor
	for _, actor := range o.followerActors(communityURI) {
		if actor.Domain == originDomain {
			continue
		}
		recipients = append(recipients, actor)
	}

	log.Printf("Outbox: Announcing %s for %s to %d followers", inner.ID, communityURI, len(recipients))
	return o.send(announce, recipients)
}

// SendCreate federates a locally created post or comment.
func (o *Outbox) SendCreate(ctx context.Context, actorURI string, obj *Object, communityURI string) error {
	embedded, err := RawObject(obj)
	if err != nil {
		return err
	}
	create := &Activity{
		ID:        o.newActivityURI(),
		Type:      TypeCreate,
		Actor:     actorURI,
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        StringList{PublicAudience},
		Cc:        StringList{communityURI},
		Audience:  communityURI,
		Object:    embedded,
	}
	return o.send(create, o.audienceFor(actorURI, communityURI))
}

// SendUpdate federates an edit of a local post or comment.
func (o *Outbox) SendUpdate(ctx context.Context, actorURI string, obj *Object, communityURI string) error {
	embedded, err := RawObject(obj)
	if err != nil {
		return err
	}
	update := &Activity{
		ID:       o.newActivityURI(),
		Type:     TypeUpdate,
		Actor:    actorURI,
		To:       StringList{PublicAudience},
		Cc:       StringList{communityURI},
		Audience: communityURI,
		Object:   embedded,
	}
	return o.send(update, o.audienceFor(actorURI, communityURI))
}

// SendDelete federates a local deletion and supersedes any queued
// deliveries still carrying the object.
func (o *Outbox) SendDelete(ctx context.Context, actorURI, objectURI, communityURI string) error {
	obj, err := RawObject(objectURI)
	if err != nil {
		return err
	}
	del := &Activity{
		ID:       o.newActivityURI(),
		Type:     TypeDelete,
		Actor:    actorURI,
		To:       StringList{PublicAudience},
		Cc:       StringList{communityURI},
		Audience: communityURI,
		Object:   obj,
	}

	if err, earlier := o.db.ReadActivityByURI(objectURI); err == nil && earlier != nil && earlier.Local {
		if serr := o.dispatcher.Supersede(earlier.ActivityURI); serr != nil {
			log.Printf("Outbox: Failed to supersede deliveries for %s: %v", objectURI, serr)
		}
	}
	return o.send(del, o.audienceFor(actorURI, communityURI))
}

// SendVote federates a Like (score > 0) or Dislike.
func (o *Outbox) SendVote(ctx context.Context, actorURI, objectURI string, score int, communityURI string) error {
	obj, err := RawObject(objectURI)
	if err != nil {
		return err
	}
	kind := TypeLike
	if score < 0 {
		kind = TypeDislike
	}
	vote := &Activity{
		ID:       o.newActivityURI(),
		Type:     kind,
		Actor:    actorURI,
		Audience: communityURI,
		Object:   obj,
	}
	return o.send(vote, o.audienceFor(actorURI, communityURI))
}

// SendFollow subscribes a local actor to a remote one and records the
// pending follow for the eventual Accept.
func (o *Outbox) SendFollow(ctx context.Context, actorURI, targetURI string) error {
	err, target := o.db.ReadRemoteActorByURI(targetURI)
	if err != nil || target == nil {
		return fmt.Errorf("follow target %s unknown: %w", targetURI, err)
	}

	obj, err := RawObject(targetURI)
	if err != nil {
		return err
	}
	follow := &Activity{
		ID:     o.newActivityURI(),
		Type:   TypeFollow,
		Actor:  actorURI,
		To:     StringList{targetURI},
		Object: obj,
	}

	pending := &domain.Follow{
		Id:          uuid.New(),
		FollowerURI: actorURI,
		TargetURI:   targetURI,
		URI:         follow.ID,
		Accepted:    false,
		CreatedAt:   time.Now(),
	}
	if err := o.db.CreateFollow(pending); err != nil {
		return fmt.Errorf("failed to record follow: %w", err)
	}
	if err := o.send(follow, []*domain.RemoteActor{target}); err != nil {
		return err
	}

	// Following a community backfills its recent history, so the
	// subscription does not start from an empty page.
	if target.Kind == domain.ActorKindGroup && o.syncer != nil {
		go func() {
			if err := o.syncer.SyncOutbox(context.Background(), targetURI); err != nil {
				log.Printf("Outbox: Failed to backfill %s: %v", targetURI, err)
			}
		}()
	}
	return nil
}

// SendUndo retracts an earlier local activity by URI. The ledger copy of
// the original rides along as the undone object.
func (o *Outbox) SendUndo(ctx context.Context, actorURI, activityURI, communityURI string) error {
	err, earlier := o.db.ReadActivityByURI(activityURI)
	if err != nil || earlier == nil {
		return fmt.Errorf("activity %s not in ledger: %w", activityURI, err)
	}
	if earlier.ActorURI != actorURI {
		return fmt.Errorf("%w: %s did not author %s", ErrForbidden, actorURI, activityURI)
	}

	undo := &Activity{
		ID:       o.newActivityURI(),
		Type:     TypeUndo,
		Actor:    actorURI,
		Audience: communityURI,
		Object:   []byte(earlier.RawJSON),
	}
	if serr := o.dispatcher.Supersede(activityURI); serr != nil {
		log.Printf("Outbox: Failed to supersede deliveries for %s: %v", activityURI, serr)
	}
	return o.send(undo, o.audienceFor(actorURI, communityURI))
}

// SendModeration federates an Add, Remove or Block issued by a local
// community moderator. target names the community collection for
// Add/Remove; empty for content removal and bans.
func (o *Outbox) SendModeration(ctx context.Context, kind, actorURI, communityURI, objectURI, target string) error {
	obj, err := RawObject(objectURI)
	if err != nil {
		return err
	}
	activity := &Activity{
		ID:       o.newActivityURI(),
		Type:     kind,
		Actor:    actorURI,
		To:       StringList{PublicAudience},
		Cc:       StringList{communityURI},
		Audience: communityURI,
		Target:   target,
		Object:   obj,
	}
	return o.send(activity, o.audienceFor(actorURI, communityURI))
}
