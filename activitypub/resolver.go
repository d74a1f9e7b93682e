package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Resolution failure taxonomy. Blocked, malformed and identity-mismatch
// failures are permanent; network failures are retried a bounded number
// of times at this layer.
var (
	ErrNotFound         = errors.New("object not found")
	ErrBlocked          = errors.New("instance is blocked")
	ErrDepthExceeded    = errors.New("resolution depth exceeded")
	ErrMalformed        = errors.New("malformed object")
	ErrIdentityMismatch = errors.New("object id does not match requested reference")
	ErrNetwork          = errors.New("network error")
)

const (
	objectCacheSize   = 512
	fetchTimeout      = 10 * time.Second
	transientRetries  = 2
	transientBackoff  = 2 * time.Second
	objectCacheTTL    = time.Hour
	negativeCacheTTL  = 10 * time.Minute
	activityJSONMedia = "application/activity+json"
)

var userAgent = util.GetNameAndVersion()

type validity int

const (
	validityUnknown validity = iota
	validityOK
	validityBad
)

type cachedObject struct {
	obj       *Object
	fetchedAt time.Time
	validity  validity
	reason    error // why a negative entry is negative
}

// Resolver dereferences URL-shaped references to objects and actors,
// bounded by recursion depth, a per-resolution visited set, and the
// instance blocklist. Fetches are signed with the instance service actor.
type Resolver struct {
	db      *db.DB
	keys    *KeyStore
	conf    *util.AppConfig
	client  *http.Client
	objects *lru.Cache[string, cachedObject]
}

func NewResolver(database *db.DB, keys *KeyStore, conf *util.AppConfig) *Resolver {
	objects, err := lru.New[string, cachedObject](objectCacheSize)
	if err != nil {
		panic(err)
	}
	return &Resolver{
		db:      database,
		keys:    keys,
		conf:    conf,
		client:  &http.Client{Timeout: fetchTimeout},
		objects: objects,
	}
}

// Resolve dereferences a reference into an owned object tree, following
// embedded sub-references up to maxDepth hops.
func (r *Resolver) Resolve(ctx context.Context, ref string, maxDepth int) (*Object, error) {
	return r.resolve(ctx, ref, maxDepth, map[string]bool{})
}

func (r *Resolver) resolve(ctx context.Context, ref string, depth int, visited map[string]bool) (*Object, error) {
	if !util.IsURL(ref) {
		return nil, fmt.Errorf("%w: %q is not a URL", ErrMalformed, ref)
	}
	if depth <= 0 {
		return nil, fmt.Errorf("%w: at %s", ErrDepthExceeded, ref)
	}
	if visited[ref] {
		return nil, fmt.Errorf("%w: reference cycle at %s", ErrMalformed, ref)
	}
	visited[ref] = true

	host, err := util.ExtractDomain(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.db.IsInstanceBlocked(host) {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, host)
	}

	// Local objects never touch the network.
	if host == r.conf.Conf.SslDomain {
		return r.resolveLocal(ref)
	}

	// Cache entries age out: negative entries sooner, so a remote fixing
	// a bad document is not shut out for an hour.
	if cached, found := r.objects.Get(ref); found {
		age := time.Since(cached.fetchedAt)
		switch {
		case cached.validity == validityBad && age < negativeCacheTTL:
			return nil, fmt.Errorf("cached invalid reference %s: %w", ref, cached.reason)
		case cached.validity == validityOK && age < objectCacheTTL:
			return cached.obj, nil
		default:
			r.objects.Remove(ref)
		}
	}

	body, err := r.fetch(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) {
			r.cacheNegative(ref, err)
		}
		return nil, err
	}

	var obj Object
	if err := json.Unmarshal(body, &obj); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrMalformed, err)
		r.cacheNegative(ref, wrapped)
		return nil, wrapped
	}

	// Anti-spoofing: the document must claim the identity we asked for.
	if obj.ID != ref {
		wrapped := fmt.Errorf("%w: requested %s, got %s", ErrIdentityMismatch, ref, obj.ID)
		r.cacheNegative(ref, wrapped)
		return nil, wrapped
	}

	r.objects.Add(ref, cachedObject{obj: &obj, fetchedAt: time.Now(), validity: validityOK})

	// Chase referenced-but-not-embedded parents so handlers see a
	// complete tree. Each hop spends one unit of depth.
	if obj.InReplyTo != "" && !visited[obj.InReplyTo] {
		if _, err := r.resolve(ctx, obj.InReplyTo, depth-1, visited); err != nil {
			log.Printf("Resolver: Failed to resolve parent %s of %s: %v", obj.InReplyTo, ref, err)
		}
	}

	return &obj, nil
}

func (r *Resolver) resolveLocal(ref string) (*Object, error) {
	if err, post := r.db.ReadPostByURI(ref); err == nil && post != nil {
		return PostObject(post), nil
	}
	if err, comment := r.db.ReadCommentByURI(ref); err == nil && comment != nil {
		return CommentObject(comment), nil
	}
	if name, ok := localName(ref, r.conf.Conf.SslDomain, "/users/"); ok {
		if err, acc := r.db.ReadAccountByUsername(name); err == nil && acc != nil {
			return &Object{ID: ref, Type: domain.ActorKindPerson, Name: acc.DisplayName}, nil
		}
	}
	if name, ok := localName(ref, r.conf.Conf.SslDomain, "/c/"); ok {
		if err, community := r.db.ReadCommunityByName(name); err == nil && community != nil {
			return &Object{ID: ref, Type: domain.ActorKindGroup, Name: community.Title}, nil
		}
	}
	return nil, fmt.Errorf("%w: local object %s", ErrNotFound, ref)
}

func (r *Resolver) cacheNegative(ref string, reason error) {
	r.objects.Add(ref, cachedObject{fetchedAt: time.Now(), validity: validityBad, reason: reason})
}

// fetch performs a signed GET, retrying transient failures (timeouts,
// 5xx) a bounded number of times. 4xx and malformed responses are never
// retried.
func (r *Resolver) fetch(ctx context.Context, ref string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
			case <-time.After(transientBackoff * time.Duration(attempt)):
			}
		}

		body, retryable, err := r.fetchOnce(ctx, ref)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *Resolver) fetchOnce(ctx context.Context, ref string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", ref, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req.Header.Set("Accept", activityJSONMedia)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := r.signGet(req); err != nil {
		return nil, false, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return data, false, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, false, fmt.Errorf("%w: %s returned %d", ErrNotFound, ref, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("%w: %s returned %d", ErrNetwork, ref, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("%w: %s returned %d", ErrNotFound, ref, resp.StatusCode)
	}
}

// signGet signs a body-less request with the instance service actor.
func (r *Resolver) signGet(req *http.Request) error {
	privateKey, keyId, err := r.keys.LocalSigner(InstanceActorURI(r.conf.Conf.SslDomain))
	if err != nil {
		return fmt.Errorf("failed to load instance key: %w", err)
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// actorResponse is the wire shape of an actor document.
type actorResponse struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Summary           string `json:"summary"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// ActorByURI returns the remote actor from cache, fetching when missing
// or past the staleness window. Implements ActorSource for the KeyStore.
func (r *Resolver) ActorByURI(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	err, cached := r.db.ReadRemoteActorByURI(actorURI)
	if err == nil && cached != nil {
		refresh := time.Duration(r.conf.Federation.ActorRefreshHours) * time.Hour
		if time.Since(cached.LastFetchedAt) < refresh {
			return cached, nil
		}
	}

	fetched, err := r.fetchActor(ctx, actorURI)
	if err != nil {
		// Serve a stale cached copy rather than failing outright.
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	return fetched, nil
}

func (r *Resolver) fetchActor(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	host, err := util.ExtractDomain(actorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.db.IsInstanceBlocked(host) {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, host)
	}

	body, err := r.fetch(ctx, actorURI)
	if err != nil {
		return nil, err
	}

	var actor actorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor missing required fields", ErrMalformed)
	}
	if actor.ID != actorURI {
		return nil, fmt.Errorf("%w: requested %s, got %s", ErrIdentityMismatch, actorURI, actor.ID)
	}

	kind := actor.Type
	if kind != domain.ActorKindGroup {
		kind = domain.ActorKindPerson
	}

	remote := &domain.RemoteActor{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         host,
		Kind:           kind,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		LastFetchedAt:  time.Now(),
	}

	if err := r.db.UpsertRemoteActor(remote); err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}

	r.keys.Invalidate(actorURI)

	return remote, nil
}

func PostObject(post *domain.Post) *Object {
	obj := &Object{
		ID:           post.URI,
		Type:         "Page",
		AttributedTo: post.AuthorURI,
		Name:         post.Title,
		Content:      post.Body,
		URL:          post.URL,
		Audience:     post.CommunityURI,
		Published:    post.Published.Format(time.RFC3339),
	}
	if post.Updated != nil {
		obj.Updated = post.Updated.Format(time.RFC3339)
	}
	return obj
}

func CommentObject(comment *domain.Comment) *Object {
	parent := comment.ParentURI
	if parent == "" {
		parent = comment.PostURI
	}
	return &Object{
		ID:           comment.URI,
		Type:         "Note",
		AttributedTo: comment.AuthorURI,
		Content:      comment.Content,
		InReplyTo:    parent,
		Published:    comment.Published.Format(time.RFC3339),
	}
}
