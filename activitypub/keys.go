package activitypub

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
	gocache "github.com/patrickmn/go-cache"
)

// ActorSource resolves a remote actor document, fetching when the cached
// copy is missing or stale. Implemented by the Resolver.
type ActorSource interface {
	ActorByURI(ctx context.Context, uri string) (*domain.RemoteActor, error)
}

// KeyStore holds local signing keypairs and resolves remote public keys
// through the actor source, with a short-lived in-memory PEM cache in
// front of the persistent remote actor cache.
type KeyStore struct {
	db     *db.DB
	conf   *util.AppConfig
	actors ActorSource
	cache  *gocache.Cache
}

func NewKeyStore(database *db.DB, conf *util.AppConfig) *KeyStore {
	ttl := time.Duration(conf.Federation.KeyCacheTTLMins) * time.Minute
	return &KeyStore{
		db:    database,
		conf:  conf,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// SetActorSource wires the resolver in after construction; the resolver
// itself needs the key store for signing fetches.
func (ks *KeyStore) SetActorSource(actors ActorSource) {
	ks.actors = actors
}

// LocalSigner returns the private key and keyId for a local actor URI
// (person, community, or the instance service actor).
func (ks *KeyStore) LocalSigner(actorURI string) (*rsa.PrivateKey, string, error) {
	pemKey, err := ks.localPrivatePem(actorURI)
	if err != nil {
		return nil, "", err
	}

	privateKey, err := ParsePrivateKey(pemKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse private key for %s: %w", actorURI, err)
	}

	return privateKey, actorURI + "#main-key", nil
}

func (ks *KeyStore) localPrivatePem(actorURI string) (string, error) {
	domainName := ks.conf.Conf.SslDomain

	if name, ok := localName(actorURI, domainName, "/users/"); ok {
		err, acc := ks.db.ReadAccountByUsername(name)
		if err != nil || acc == nil {
			return "", fmt.Errorf("%w: local account %s", ErrKeyNotFound, name)
		}
		return acc.PrivateKeyPem, nil
	}

	if name, ok := localName(actorURI, domainName, "/c/"); ok {
		err, community := ks.db.ReadCommunityByName(name)
		if err != nil || community == nil {
			return "", fmt.Errorf("%w: local community %s", ErrKeyNotFound, name)
		}
		return community.PrivateKeyPem, nil
	}

	if actorURI == InstanceActorURI(domainName) {
		err, acc := ks.db.ReadServiceAccount()
		if err != nil || acc == nil {
			return "", fmt.Errorf("%w: instance actor", ErrKeyNotFound)
		}
		return acc.PrivateKeyPem, nil
	}

	return "", fmt.Errorf("%w: %s is not a local actor", ErrKeyNotFound, actorURI)
}

// PublicKeyPem returns the PEM public key for any actor URI, local or
// remote. Remote lookups go through the actor source and may hit the
// network; the result is cached for the configured TTL.
func (ks *KeyStore) PublicKeyPem(ctx context.Context, actorURI string) (string, error) {
	if cached, found := ks.cache.Get(actorURI); found {
		return cached.(string), nil
	}

	pemKey, err := ks.lookupPublicPem(ctx, actorURI)
	if err != nil {
		return "", err
	}

	ks.cache.SetDefault(actorURI, pemKey)
	return pemKey, nil
}

func (ks *KeyStore) lookupPublicPem(ctx context.Context, actorURI string) (string, error) {
	domainName := ks.conf.Conf.SslDomain

	if name, ok := localName(actorURI, domainName, "/users/"); ok {
		err, acc := ks.db.ReadAccountByUsername(name)
		if err == nil && acc != nil {
			return acc.PublicKeyPem, nil
		}
		return "", fmt.Errorf("%w: local account %s", ErrKeyNotFound, name)
	}

	if name, ok := localName(actorURI, domainName, "/c/"); ok {
		err, community := ks.db.ReadCommunityByName(name)
		if err == nil && community != nil {
			return community.PublicKeyPem, nil
		}
		return "", fmt.Errorf("%w: local community %s", ErrKeyNotFound, name)
	}

	if ks.actors == nil {
		return "", fmt.Errorf("%w: no actor source configured", ErrKeyNotFound)
	}

	actor, err := ks.actors.ActorByURI(ctx, actorURI)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	return actor.PublicKeyPem, nil
}

// Invalidate drops a cached key, used when a key rotation is signalled by
// an actor Update.
func (ks *KeyStore) Invalidate(actorURI string) {
	ks.cache.Delete(actorURI)
}

// localName extracts the trailing name from a local actor URI with the
// given path prefix, e.g. https://host/users/alice -> alice.
func localName(actorURI, domainName, prefix string) (string, bool) {
	base := "https://" + domainName + prefix
	if !strings.HasPrefix(actorURI, base) {
		return "", false
	}
	name := strings.TrimPrefix(actorURI, base)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// Local actor URI construction. These mirror the routes the web layer
// serves.
func PersonURI(domainName, username string) string {
	return fmt.Sprintf("https://%s/users/%s", domainName, username)
}

func CommunityURI(domainName, name string) string {
	return fmt.Sprintf("https://%s/c/%s", domainName, name)
}

func InstanceActorURI(domainName string) string {
	return fmt.Sprintf("https://%s/actor", domainName)
}

func IsLocalURI(uri, domainName string) bool {
	host, err := util.ExtractDomain(uri)
	if err != nil {
		return false
	}
	return host == domainName
}
