package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/util"
)

// OrderedCollection is the paging root of a served or consumed
// ActivityStreams collection.
type OrderedCollection struct {
	Context    interface{} `json:"@context,omitempty"`
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	TotalItems int         `json:"totalItems"`
	First      string      `json:"first,omitempty"`
}

type OrderedCollectionPage struct {
	Context      interface{}       `json:"@context,omitempty"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	PartOf       string            `json:"partOf,omitempty"`
	Next         string            `json:"next,omitempty"`
	TotalItems   int               `json:"totalItems,omitempty"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

// Synchronizer serves this instance's collections and pulls remote ones.
// Consumed items re-enter the inbox pipeline without a transport
// signature; the per-item origin check stands in for it.
type Synchronizer struct {
	db        *db.DB
	resolver  *Resolver
	processor *Processor
	conf      *util.AppConfig
}

func NewSynchronizer(database *db.DB, resolver *Resolver, processor *Processor, conf *util.AppConfig) *Synchronizer {
	return &Synchronizer{db: database, resolver: resolver, processor: processor, conf: conf}
}

// ---- served collections ----

// OutboxCollection builds the paging root of a local actor's outbox.
func (s *Synchronizer) OutboxCollection(actorURI string) (*OrderedCollection, error) {
	err, total := s.db.CountLocalActivitiesByActor(actorURI)
	if err != nil {
		return nil, err
	}
	collection := &OrderedCollection{
		Context:    ActivityStreamsContext,
		ID:         actorURI + "/outbox",
		Type:       "OrderedCollection",
		TotalItems: total,
	}
	if total > 0 {
		collection.First = actorURI + "/outbox?page=1"
	}
	return collection, nil
}

// OutboxPage builds one page of a local actor's outbox, newest first.
// Pages are 1-based.
func (s *Synchronizer) OutboxPage(actorURI string, page int) (*OrderedCollectionPage, error) {
	if page < 1 {
		page = 1
	}
	size := s.conf.Federation.CollectionPageSize
	err, activities := s.db.ReadLocalActivitiesByActor(actorURI, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	err, total := s.db.CountLocalActivitiesByActor(actorURI)
	if err != nil {
		return nil, err
	}

	doc := &OrderedCollectionPage{
		Context:    ActivityStreamsContext,
		ID:         fmt.Sprintf("%s/outbox?page=%d", actorURI, page),
		Type:       "OrderedCollectionPage",
		PartOf:     actorURI + "/outbox",
		TotalItems: total,
	}
	if activities != nil {
		for _, a := range *activities {
			doc.OrderedItems = append(doc.OrderedItems, json.RawMessage(a.RawJSON))
		}
	}
	if page*size < total {
		doc.Next = fmt.Sprintf("%s/outbox?page=%d", actorURI, page+1)
	}
	return doc, nil
}

// ModeratorsCollection lists a community's moderators as actor URIs.
func (s *Synchronizer) ModeratorsCollection(communityURI string) (*OrderedCollectionPage, error) {
	err, mods := s.db.ReadModerators(communityURI)
	if err != nil {
		return nil, err
	}
	doc := &OrderedCollectionPage{
		Context: ActivityStreamsContext,
		ID:      communityURI + "/moderators",
		Type:    "OrderedCollection",
	}
	if mods != nil {
		for _, m := range *mods {
			item, _ := json.Marshal(m.ActorURI)
			doc.OrderedItems = append(doc.OrderedItems, item)
		}
		doc.TotalItems = len(*mods)
	}
	return doc, nil
}

// FeaturedCollection lists a community's pinned posts as embedded Pages.
func (s *Synchronizer) FeaturedCollection(communityURI string) (*OrderedCollectionPage, error) {
	err, posts := s.db.ReadFeaturedPosts(communityURI)
	if err != nil {
		return nil, err
	}
	doc := &OrderedCollectionPage{
		Context: ActivityStreamsContext,
		ID:      communityURI + "/featured",
		Type:    "OrderedCollection",
	}
	if posts != nil {
		for _, post := range *posts {
			item, err := json.Marshal(PostObject(&post))
			if err != nil {
				continue
			}
			doc.OrderedItems = append(doc.OrderedItems, item)
		}
		doc.TotalItems = len(*posts)
	}
	return doc, nil
}

// ---- consumed collections ----

// SyncOutbox walks a remote actor's outbox and replays its activities
// through the pipeline, bounded by the configured page ceiling. Items
// whose id lives on a different host than the actor are dropped; the
// actor cannot vouch for foreign material.
func (s *Synchronizer) SyncOutbox(ctx context.Context, actorURI string) error {
	actor, err := s.resolver.ActorByURI(ctx, actorURI)
	if err != nil {
		return err
	}
	outboxURI := actor.OutboxURI
	if outboxURI == "" {
		outboxURI = actorURI + "/outbox"
	}

	body, err := s.resolver.fetch(ctx, outboxURI)
	if err != nil {
		return err
	}
	var root struct {
		First json.RawMessage   `json:"first"`
		Items []json.RawMessage `json:"orderedItems"`
	}
	if err := json.Unmarshal(body, &root); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	actorHost := actor.Domain
	applied, dropped := 0, 0

	// Some servers inline the first page into the root.
	if len(root.Items) > 0 {
		a, d := s.applyItems(ctx, root.Items, actorHost)
		applied, dropped = applied+a, dropped+d
	}

	next := pageRef(root.First)
	for page := 0; next != "" && page < s.conf.Federation.MaxCollectionPages; page++ {
		if originOf(next) != actorHost {
			return fmt.Errorf("%w: page %s outside actor origin", ErrIdentityMismatch, next)
		}
		body, err := s.resolver.fetch(ctx, next)
		if err != nil {
			return err
		}
		var pageDoc struct {
			Next  json.RawMessage   `json:"next"`
			Items []json.RawMessage `json:"orderedItems"`
		}
		if err := json.Unmarshal(body, &pageDoc); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		a, d := s.applyItems(ctx, pageDoc.Items, actorHost)
		applied, dropped = applied+a, dropped+d
		next = pageRef(pageDoc.Next)
	}

	log.Printf("Collections: Synced outbox of %s: %d applied, %d dropped", actorURI, applied, dropped)
	return nil
}

func (s *Synchronizer) applyItems(ctx context.Context, items []json.RawMessage, actorHost string) (applied, dropped int) {
	for _, raw := range items {
		activity, err := ParseActivity(raw)
		if err != nil {
			dropped++
			continue
		}
		if originOf(activity.ID) != actorHost || originOf(activity.Actor) != actorHost {
			dropped++
			continue
		}
		if err := s.processor.apply(ctx, activity, string(raw)); err != nil {
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			dropped++
			continue
		}
		applied++
	}
	return applied, dropped
}

// pageRef reads a collection page link that may arrive as a bare URI or
// an embedded page document.
func pageRef(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(raw, &uri); err == nil {
		return uri
	}
	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &embedded); err == nil {
		return embedded.ID
	}
	return ""
}
