package activitypub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
	"github.com/google/uuid"
)

// Processing failure taxonomy, mapped to HTTP statuses at the web layer.
// A duplicate is not a failure: the first application already happened.
var (
	ErrMalformedActivity = errors.New("malformed activity")
	ErrForbidden         = errors.New("actor not authorized for this activity")
	ErrApplyFailed       = errors.New("failed to apply activity")
	ErrDuplicate         = errors.New("activity already processed")
)

type handlerFunc func(ctx context.Context, a *Activity) (func(tx *sql.Tx) error, error)

// Processor drives incoming activities through the inbox pipeline:
// signature verification, parsing, dedup against the seen ledger,
// authorization, then the kind-specific handler. The mutation and the
// ledger record commit in one transaction, so an activity is never
// marked seen without its effect and never applied twice.
type Processor struct {
	db       *db.DB
	keys     *KeyStore
	resolver *Resolver
	outbox   *Outbox
	conf     *util.AppConfig

	mu      sync.Mutex
	claimed map[string]bool // activity URIs currently in the pipeline

	handlers map[string]handlerFunc
}

func NewProcessor(database *db.DB, keys *KeyStore, resolver *Resolver, outbox *Outbox, conf *util.AppConfig) *Processor {
	p := &Processor{
		db:       database,
		keys:     keys,
		resolver: resolver,
		outbox:   outbox,
		conf:     conf,
		claimed:  make(map[string]bool),
	}
	p.handlers = map[string]handlerFunc{
		TypeCreate:   p.handleCreate,
		TypeUpdate:   p.handleUpdate,
		TypeDelete:   p.handleDelete,
		TypeLike:     p.handleLike,
		TypeDislike:  p.handleDislike,
		TypeFollow:   p.handleFollow,
		TypeAccept:   p.handleAccept,
		TypeUndo:     p.handleUndo,
		TypeAnnounce: p.handleAnnounce,
		TypeRemove:   p.handleRemove,
		TypeAdd:      p.handleAdd,
		TypeBlock:    p.handleBlock,
	}
	return p
}

// Process runs one signed inbox POST through the full pipeline.
func (p *Processor) Process(ctx context.Context, req *http.Request, body []byte) error {
	signerURI, err := p.verify(ctx, req)
	if err != nil {
		return err
	}
	if err := VerifyDigest(req, body); err != nil {
		return err
	}

	activity, err := ParseActivity(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}

	// The signed activity must be the signer's own. Without this check a
	// signer could replay another actor's activities as authenticated.
	if activity.Actor != signerURI {
		return fmt.Errorf("%w: activity actor %s does not match signer %s", ErrForbidden, activity.Actor, signerURI)
	}

	if p.db.IsInstanceBlocked(originOf(activity.Actor)) {
		return fmt.Errorf("%w: instance of %s", ErrForbidden, activity.Actor)
	}

	return p.apply(ctx, activity, string(body))
}

// apply is the pipeline past the signature boundary; the Synchronizer
// enters here for origin-checked collection items that carry no
// signature of their own.
func (p *Processor) apply(ctx context.Context, activity *Activity, raw string) error {
	if !p.claim(activity.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, activity.ID)
	}
	defer p.release(activity.ID)

	if err, seen := p.db.ReadActivityByURI(activity.ID); err == nil && seen != nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, activity.ID)
	}

	handler, ok := p.handlers[activity.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, activity.Type)
	}

	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    activity.ObjectURI(),
		RawJSON:      raw,
		Outcome:      domain.OutcomeApplied,
		Local:        false,
		CreatedAt:    time.Now(),
	}

	mutate, err := handler(ctx, activity)
	if err != nil {
		// Rejected activities still enter the ledger so replays short
		// out instead of re-running the handler.
		record.Outcome = domain.OutcomeRejected
		if lerr := p.db.CreateActivity(record); lerr != nil {
			log.Printf("Inbox: Failed to record rejected %s: %v", activity.ID, lerr)
		}
		return err
	}

	if err := p.db.ApplyActivity(record, mutate); err != nil {
		record.Outcome = domain.OutcomeRejected
		if lerr := p.db.CreateActivity(record); lerr != nil {
			log.Printf("Inbox: Failed to record failed %s: %v", activity.ID, lerr)
		}
		return fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	log.Printf("Inbox: Applied %s %s from %s", activity.Type, activity.ID, activity.Actor)
	p.afterApply(ctx, activity)
	return nil
}

// verify authenticates the request and returns the signer's actor URI.
// On a signature mismatch the signer's key is refetched once, so key
// rotation does not strand an instance behind a stale cached key.
func (p *Processor) verify(ctx context.Context, req *http.Request) (string, error) {
	if err := VerifyDate(req, time.Duration(p.conf.Federation.DateSkewMins)*time.Minute); err != nil {
		return "", err
	}

	claimedURI, err := KeyIdActor(req)
	if err != nil {
		return "", err
	}

	pemKey, err := p.keys.PublicKeyPem(ctx, claimedURI)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	signerURI, err := VerifyRequest(req, pemKey)
	if errors.Is(err, ErrSignatureMismatch) {
		p.keys.Invalidate(claimedURI)
		fresh, ferr := p.resolver.fetchActor(ctx, claimedURI)
		if ferr != nil {
			return "", err
		}
		signerURI, err = VerifyRequest(req, fresh.PublicKeyPem)
	}
	if err != nil {
		return "", err
	}
	return signerURI, nil
}

// afterApply triggers the side traffic an applied activity owes: a
// Follow gets its Accept, and activity aimed at a local community gets
// announced to the community's followers.
func (p *Processor) afterApply(ctx context.Context, activity *Activity) {
	if activity.Type == TypeFollow {
		if err := p.outbox.SendAccept(ctx, activity); err != nil {
			log.Printf("Inbox: Failed to send Accept for %s: %v", activity.ID, err)
		}
		return
	}
	if community := p.localCommunity(activity); community != "" {
		if err := p.outbox.AnnounceToFollowers(ctx, community, activity); err != nil {
			log.Printf("Inbox: Failed to announce %s for %s: %v", activity.ID, community, err)
		}
	}
}

func (p *Processor) claim(uri string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed[uri] {
		return false
	}
	p.claimed[uri] = true
	return true
}

func (p *Processor) release(uri string) {
	p.mu.Lock()
	delete(p.claimed, uri)
	p.mu.Unlock()
}

// localCommunity returns the local community a public activity is aimed
// at, or empty when it addresses none.
func (p *Processor) localCommunity(activity *Activity) string {
	candidates := []string{activity.Audience}
	candidates = append(candidates, activity.To...)
	candidates = append(candidates, activity.Cc...)
	for _, uri := range candidates {
		if uri == "" || uri == PublicAudience {
			continue
		}
		if name, ok := localName(uri, p.conf.Conf.SslDomain, "/c/"); ok {
			if err, c := p.db.ReadCommunityByName(name); err == nil && c != nil {
				return uri
			}
		}
	}
	return ""
}

// communityOf finds the community an activity operates in, local or
// remote, for authorization checks.
func (p *Processor) communityOf(activity *Activity) string {
	if activity.Audience != "" && activity.Audience != PublicAudience {
		return activity.Audience
	}
	return p.localCommunity(activity)
}

// objectFor dereferences the activity's object, preferring the embedded
// form over a network round trip.
func (p *Processor) objectFor(ctx context.Context, activity *Activity) (*Object, error) {
	if obj, err := activity.EmbeddedObject(); err == nil {
		if obj.ID != "" && originOf(obj.ID) != originOf(activity.ID) {
			// Embedded objects from a foreign origin are refetched from
			// their own origin rather than trusted as delivered.
			return p.resolver.Resolve(ctx, obj.ID, p.conf.Federation.MaxResolveDepth)
		}
		return obj, nil
	}
	ref := activity.ObjectURI()
	if ref == "" {
		return nil, fmt.Errorf("%w: activity %s has no object", ErrMalformedActivity, activity.ID)
	}
	return p.resolver.Resolve(ctx, ref, p.conf.Federation.MaxResolveDepth)
}

// ---- kind-specific handlers ----

func (p *Processor) handleCreate(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	obj, err := p.objectFor(ctx, activity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if obj.AttributedTo != "" && obj.AttributedTo != activity.Actor {
		return nil, fmt.Errorf("%w: object attributed to %s", ErrForbidden, obj.AttributedTo)
	}

	community := p.communityOf(activity)
	if community != "" && p.db.IsBlockedFromCommunity(community, activity.Actor) {
		return nil, fmt.Errorf("%w: %s is banned from %s", ErrForbidden, activity.Actor, community)
	}

	switch obj.Type {
	case "Page", "Article":
		post := pageToPost(obj, activity.Actor, community)
		return func(tx *sql.Tx) error {
			return p.db.CreatePostTx(tx, post)
		}, nil
	case "Note":
		backfill, err := p.backfillRoot(ctx, obj, community)
		if err != nil {
			return nil, err
		}
		comment, err := p.noteToComment(obj, activity.Actor, backfill)
		if err != nil {
			return nil, err
		}
		return func(tx *sql.Tx) error {
			if backfill != nil {
				if err := p.db.CreatePostTx(tx, backfill); err != nil {
					return err
				}
			}
			return p.db.CreateCommentTx(tx, comment)
		}, nil
	default:
		return nil, fmt.Errorf("%w: cannot create object of type %q", ErrMalformedActivity, obj.Type)
	}
}

// backfillRoot fetches a comment's thread root when it has not federated
// here yet, so replies arriving before their post still land.
func (p *Processor) backfillRoot(ctx context.Context, note *Object, community string) (*domain.Post, error) {
	if note.InReplyTo == "" {
		return nil, nil
	}
	if err, post := p.db.ReadPostByURI(note.InReplyTo); err == nil && post != nil {
		return nil, nil
	}
	if err, parent := p.db.ReadCommentByURI(note.InReplyTo); err == nil && parent != nil {
		return nil, nil
	}
	root, err := p.resolver.Resolve(ctx, note.InReplyTo, p.conf.Federation.MaxResolveDepth)
	if err != nil {
		return nil, fmt.Errorf("%w: thread root %s: %v", ErrMalformedActivity, note.InReplyTo, err)
	}
	if root.Type != "Page" && root.Type != "Article" {
		return nil, fmt.Errorf("%w: thread root %s", ErrNotFound, note.InReplyTo)
	}
	return pageToPost(root, root.AttributedTo, community), nil
}

func (p *Processor) handleUpdate(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	obj, err := p.objectFor(ctx, activity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}

	if err, post := p.db.ReadPostByURI(obj.ID); err == nil && post != nil {
		if post.AuthorURI != activity.Actor {
			return nil, fmt.Errorf("%w: %s is not the author of %s", ErrForbidden, activity.Actor, obj.ID)
		}
		return func(tx *sql.Tx) error {
			return p.db.UpdatePostContentTx(tx, obj.ID, obj.Name, obj.Content, obj.URL, time.Now())
		}, nil
	}
	if err, comment := p.db.ReadCommentByURI(obj.ID); err == nil && comment != nil {
		if comment.AuthorURI != activity.Actor {
			return nil, fmt.Errorf("%w: %s is not the author of %s", ErrForbidden, activity.Actor, obj.ID)
		}
		return func(tx *sql.Tx) error {
			return p.db.UpdateCommentContentTx(tx, obj.ID, obj.Content)
		}, nil
	}

	// An Update for an actor document is a profile refresh.
	if obj.Type == "Person" || obj.Type == "Group" {
		p.keys.Invalidate(obj.ID)
		if _, err := p.resolver.fetchActor(ctx, obj.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrApplyFailed, err)
		}
		return nil, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, obj.ID)
}

func (p *Processor) handleDelete(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	ref := activity.ObjectURI()
	if ref == "" {
		return nil, fmt.Errorf("%w: Delete without object", ErrMalformedActivity)
	}

	// Actors delete themselves; everything of theirs cascades.
	if ref == activity.Actor {
		return func(tx *sql.Tx) error {
			if err := p.db.DeleteActorContentTx(tx, ref); err != nil {
				return err
			}
			return p.db.DeleteRemoteActorTx(tx, ref)
		}, nil
	}

	if err, post := p.db.ReadPostByURI(ref); err == nil && post != nil {
		if post.AuthorURI != activity.Actor {
			return nil, fmt.Errorf("%w: %s is not the author of %s", ErrForbidden, activity.Actor, ref)
		}
		return func(tx *sql.Tx) error {
			return p.db.DeletePostTx(tx, ref)
		}, nil
	}
	if err, comment := p.db.ReadCommentByURI(ref); err == nil && comment != nil {
		if comment.AuthorURI != activity.Actor {
			return nil, fmt.Errorf("%w: %s is not the author of %s", ErrForbidden, activity.Actor, ref)
		}
		return func(tx *sql.Tx) error {
			return p.db.DeleteCommentTx(tx, ref)
		}, nil
	}

	// Deletes for objects never federated here succeed vacuously.
	return nil, nil
}

func (p *Processor) handleLike(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	return p.voteHandler(ctx, activity, 1)
}

func (p *Processor) handleDislike(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	return p.voteHandler(ctx, activity, -1)
}

func (p *Processor) voteHandler(ctx context.Context, activity *Activity, score int) (func(tx *sql.Tx) error, error) {
	ref := activity.ObjectURI()
	community, err := p.voteTarget(ref)
	if err != nil {
		return nil, err
	}
	if community != "" && p.db.IsBlockedFromCommunity(community, activity.Actor) {
		return nil, fmt.Errorf("%w: %s is banned from %s", ErrForbidden, activity.Actor, community)
	}

	vote := &domain.Vote{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		ObjectURI: ref,
		Score:     score,
		CreatedAt: time.Now(),
	}
	return func(tx *sql.Tx) error {
		return p.db.UpsertVoteTx(tx, vote)
	}, nil
}

// voteTarget checks the voted object exists here and returns its
// community.
func (p *Processor) voteTarget(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: vote without object", ErrMalformedActivity)
	}
	if err, post := p.db.ReadPostByURI(ref); err == nil && post != nil {
		return post.CommunityURI, nil
	}
	if err, comment := p.db.ReadCommentByURI(ref); err == nil && comment != nil {
		if err, post := p.db.ReadPostByURI(comment.PostURI); err == nil && post != nil {
			return post.CommunityURI, nil
		}
		return "", nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}

func (p *Processor) handleFollow(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	target := activity.ObjectURI()
	if target == "" {
		return nil, fmt.Errorf("%w: Follow without object", ErrMalformedActivity)
	}
	if !IsLocalURI(target, p.conf.Conf.SslDomain) {
		return nil, fmt.Errorf("%w: Follow target %s is not local", ErrForbidden, target)
	}
	if !p.localActorExists(target) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if p.db.IsBlockedFromCommunity(target, activity.Actor) {
		return nil, fmt.Errorf("%w: %s is banned from %s", ErrForbidden, activity.Actor, target)
	}

	follow := &domain.Follow{
		Id:          uuid.New(),
		FollowerURI: activity.Actor,
		TargetURI:   target,
		URI:         activity.ID,
		Accepted:    true, // follows of local actors are auto-accepted
		CreatedAt:   time.Now(),
	}
	return func(tx *sql.Tx) error {
		return p.db.CreateFollowTx(tx, follow)
	}, nil
}

func (p *Processor) handleAccept(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	inner, err := activity.InnerActivity()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if inner.Type != TypeFollow {
		return nil, fmt.Errorf("%w: Accept of %q", ErrUnsupportedType, inner.Type)
	}
	// Only the followed actor may accept the follow.
	if inner.ObjectURI() != activity.Actor {
		return nil, fmt.Errorf("%w: %s cannot accept a follow of %s", ErrForbidden, activity.Actor, inner.ObjectURI())
	}
	if !IsLocalURI(inner.Actor, p.conf.Conf.SslDomain) {
		return nil, fmt.Errorf("%w: accepted follower %s is not local", ErrForbidden, inner.Actor)
	}
	return func(tx *sql.Tx) error {
		return p.db.AcceptFollowByURITx(tx, inner.ID)
	}, nil
}

func (p *Processor) handleUndo(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	inner, err := activity.InnerActivity()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	// Only the original actor can take an activity back.
	if inner.Actor != "" && inner.Actor != activity.Actor {
		return nil, fmt.Errorf("%w: %s cannot undo an activity of %s", ErrForbidden, activity.Actor, inner.Actor)
	}

	switch inner.Type {
	case TypeFollow:
		return func(tx *sql.Tx) error {
			return p.db.DeleteFollowByURITx(tx, inner.ID)
		}, nil
	case TypeLike, TypeDislike:
		ref := inner.ObjectURI()
		return func(tx *sql.Tx) error {
			return p.db.DeleteVoteTx(tx, activity.Actor, ref)
		}, nil
	case TypeBlock:
		community := p.communityOf(activity)
		if community == "" || !p.db.IsModerator(community, activity.Actor) {
			return nil, fmt.Errorf("%w: %s is not a moderator", ErrForbidden, activity.Actor)
		}
		ref := inner.ObjectURI()
		return func(tx *sql.Tx) error {
			return p.db.RemoveCommunityBlockTx(tx, community, ref)
		}, nil
	case TypeRemove:
		community := p.communityOf(activity)
		if community == "" || !p.db.IsModerator(community, activity.Actor) {
			return nil, fmt.Errorf("%w: %s is not a moderator", ErrForbidden, activity.Actor)
		}
		return p.setRemoved(inner.ObjectURI(), false)
	default:
		return nil, fmt.Errorf("%w: Undo of %q", ErrUnsupportedType, inner.Type)
	}
}

// handleAnnounce unwraps a community boost: the announced activity runs
// through the pipeline on its own ledger entry, authorized as its inner
// actor.
func (p *Processor) handleAnnounce(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	inner, err := activity.InnerActivity()
	if err == nil && supportedTypes[inner.Type] && util.IsURL(inner.ID) && util.IsURL(inner.Actor) {
		// Inner material from a different origin than its claimed actor
		// is not trusted as relayed.
		if originOf(inner.ID) == "" || originOf(inner.ID) != originOf(inner.Actor) {
			return nil, fmt.Errorf("%w: announced activity %s does not match actor origin", ErrForbidden, inner.ID)
		}
		if aerr := p.apply(ctx, inner, string(activity.Object)); aerr != nil && !errors.Is(aerr, ErrDuplicate) {
			return nil, aerr
		}
		return nil, nil
	}

	// A bare object reference: fetch it from its origin and store it.
	ref := activity.ObjectURI()
	if ref == "" {
		return nil, fmt.Errorf("%w: Announce without object", ErrMalformedActivity)
	}
	obj, err := p.resolver.Resolve(ctx, ref, p.conf.Federation.MaxResolveDepth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	switch obj.Type {
	case "Page", "Article":
		post := pageToPost(obj, obj.AttributedTo, p.communityOf(activity))
		return func(tx *sql.Tx) error {
			return p.db.CreatePostTx(tx, post)
		}, nil
	case "Note":
		comment, err := p.noteToComment(obj, obj.AttributedTo, nil)
		if err != nil {
			return nil, err
		}
		return func(tx *sql.Tx) error {
			return p.db.CreateCommentTx(tx, comment)
		}, nil
	default:
		return nil, fmt.Errorf("%w: cannot announce object of type %q", ErrMalformedActivity, obj.Type)
	}
}

func (p *Processor) handleRemove(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	community := p.communityOf(activity)
	if community == "" {
		return nil, fmt.Errorf("%w: Remove without community", ErrMalformedActivity)
	}
	if !p.db.IsModerator(community, activity.Actor) {
		return nil, fmt.Errorf("%w: %s is not a moderator of %s", ErrForbidden, activity.Actor, community)
	}

	ref := activity.ObjectURI()
	if activity.Target != "" {
		if strings.HasSuffix(activity.Target, "/featured") {
			return func(tx *sql.Tx) error {
				return p.db.SetPostFeaturedTx(tx, ref, false)
			}, nil
		}
		if strings.HasSuffix(activity.Target, "/moderators") {
			return func(tx *sql.Tx) error {
				return p.db.RemoveModeratorTx(tx, community, ref)
			}, nil
		}
		return nil, fmt.Errorf("%w: unknown collection %s", ErrMalformedActivity, activity.Target)
	}

	// Without a target collection, Remove is a moderator removal of
	// content.
	return p.setRemoved(ref, true)
}

func (p *Processor) handleAdd(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	community := p.communityOf(activity)
	if community == "" {
		return nil, fmt.Errorf("%w: Add without community", ErrMalformedActivity)
	}
	if !p.db.IsModerator(community, activity.Actor) {
		return nil, fmt.Errorf("%w: %s is not a moderator of %s", ErrForbidden, activity.Actor, community)
	}

	ref := activity.ObjectURI()
	switch {
	case strings.HasSuffix(activity.Target, "/featured"):
		return func(tx *sql.Tx) error {
			return p.db.SetPostFeaturedTx(tx, ref, true)
		}, nil
	case strings.HasSuffix(activity.Target, "/moderators"):
		mod := &domain.CommunityModerator{
			Id:           uuid.New(),
			CommunityURI: community,
			ActorURI:     ref,
			AddedAt:      time.Now(),
		}
		return func(tx *sql.Tx) error {
			return p.db.AddModeratorTx(tx, mod)
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown collection %q", ErrMalformedActivity, activity.Target)
	}
}

func (p *Processor) handleBlock(ctx context.Context, activity *Activity) (func(tx *sql.Tx) error, error) {
	community := p.communityOf(activity)
	if community == "" {
		return nil, fmt.Errorf("%w: Block without community", ErrMalformedActivity)
	}
	if !p.db.IsModerator(community, activity.Actor) {
		return nil, fmt.Errorf("%w: %s is not a moderator of %s", ErrForbidden, activity.Actor, community)
	}

	block := &domain.CommunityBlock{
		Id:           uuid.New(),
		CommunityURI: community,
		ActorURI:     activity.ObjectURI(),
		CreatedAt:    time.Now(),
	}
	return func(tx *sql.Tx) error {
		return p.db.AddCommunityBlockTx(tx, block)
	}, nil
}

// ---- helpers ----

func (p *Processor) setRemoved(ref string, removed bool) (func(tx *sql.Tx) error, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: removal without object", ErrMalformedActivity)
	}
	if err, post := p.db.ReadPostByURI(ref); err == nil && post != nil {
		return func(tx *sql.Tx) error {
			return p.db.SetPostRemovedTx(tx, ref, removed)
		}, nil
	}
	if err, comment := p.db.ReadCommentByURI(ref); err == nil && comment != nil {
		return func(tx *sql.Tx) error {
			return p.db.SetCommentRemovedTx(tx, ref, removed)
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

func (p *Processor) localActorExists(uri string) bool {
	if name, ok := localName(uri, p.conf.Conf.SslDomain, "/users/"); ok {
		err, acc := p.db.ReadAccountByUsername(name)
		return err == nil && acc != nil
	}
	if name, ok := localName(uri, p.conf.Conf.SslDomain, "/c/"); ok {
		err, c := p.db.ReadCommunityByName(name)
		return err == nil && c != nil
	}
	return uri == InstanceActorURI(p.conf.Conf.SslDomain)
}

func pageToPost(obj *Object, author, community string) *domain.Post {
	published := time.Now()
	if t, err := time.Parse(time.RFC3339, obj.Published); err == nil {
		published = t
	}
	return &domain.Post{
		Id:           uuid.New(),
		URI:          obj.ID,
		CommunityURI: community,
		AuthorURI:    author,
		Title:        obj.Name,
		Body:         obj.Content,
		URL:          obj.URL,
		Published:    published,
		Local:        false,
	}
}

func (p *Processor) noteToComment(obj *Object, author string, backfill *domain.Post) (*domain.Comment, error) {
	if obj.InReplyTo == "" {
		return nil, fmt.Errorf("%w: Note %s has no inReplyTo", ErrMalformedActivity, obj.ID)
	}

	postURI := obj.InReplyTo
	parentURI := ""
	if err, parent := p.db.ReadCommentByURI(obj.InReplyTo); err == nil && parent != nil {
		parentURI = parent.URI
		postURI = parent.PostURI
	}
	if backfill == nil || backfill.URI != postURI {
		if err, post := p.db.ReadPostByURI(postURI); err != nil || post == nil {
			return nil, fmt.Errorf("%w: thread root %s", ErrNotFound, postURI)
		}
	}

	published := time.Now()
	if t, err := time.Parse(time.RFC3339, obj.Published); err == nil {
		published = t
	}
	return &domain.Comment{
		Id:        uuid.New(),
		URI:       obj.ID,
		PostURI:   postURI,
		ParentURI: parentURI,
		AuthorURI: author,
		Content:   obj.Content,
		Published: published,
		Local:     false,
	}, nil
}
