package web

import (
	"fmt"

	"github.com/glypto/glyptodon/activitypub"
	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
)

var actorContext = []string{
	activitypub.ActivityStreamsContext,
	"https://w3id.org/security/v1",
}

type publicKeyDoc struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type endpointsDoc struct {
	SharedInbox string `json:"sharedInbox"`
}

// actorDoc is the served actor document for local persons, communities
// and the instance service actor.
type actorDoc struct {
	Context           []string      `json:"@context"`
	ID                string        `json:"id"`
	Type              string        `json:"type"`
	PreferredUsername string        `json:"preferredUsername"`
	Name              string        `json:"name,omitempty"`
	Summary           string        `json:"summary,omitempty"`
	Inbox             string        `json:"inbox"`
	Outbox            string        `json:"outbox"`
	Followers         string        `json:"followers"`
	Featured          string        `json:"featured,omitempty"`
	Moderators        string        `json:"attributedTo,omitempty"`
	ManuallyApproves  bool          `json:"manuallyApprovesFollowers"`
	Discoverable      bool          `json:"discoverable"`
	Endpoints         endpointsDoc  `json:"endpoints"`
	PublicKey         *publicKeyDoc `json:"publicKey,omitempty"`
}

// GetPersonDoc builds the actor document for a local account.
func GetPersonDoc(username string, conf *util.AppConfig) (error, *actorDoc) {
	err, acc := db.GetDB().ReadAccountByUsername(username)
	if err != nil {
		return err, nil
	}

	uri := activitypub.PersonURI(conf.Conf.SslDomain, acc.Username)
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	return nil, &actorDoc{
		Context:           actorContext,
		ID:                uri,
		Type:              domain.ActorKindPerson,
		PreferredUsername: acc.Username,
		Name:              displayName,
		Summary:           acc.Summary,
		Inbox:             uri + "/inbox",
		Outbox:            uri + "/outbox",
		Followers:         uri + "/followers",
		Discoverable:      true,
		Endpoints:         endpointsDoc{SharedInbox: sharedInboxURI(conf)},
		PublicKey: &publicKeyDoc{
			ID:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: acc.PublicKeyPem,
		},
	}
}

// GetGroupDoc builds the actor document for a local community, with its
// featured and moderators collections linked.
func GetGroupDoc(name string, conf *util.AppConfig) (error, *actorDoc) {
	err, community := db.GetDB().ReadCommunityByName(name)
	if err != nil {
		return err, nil
	}

	uri := activitypub.CommunityURI(conf.Conf.SslDomain, community.Name)
	return nil, &actorDoc{
		Context:           actorContext,
		ID:                uri,
		Type:              domain.ActorKindGroup,
		PreferredUsername: community.Name,
		Name:              community.Title,
		Summary:           community.Description,
		Inbox:             uri + "/inbox",
		Outbox:            uri + "/outbox",
		Followers:         uri + "/followers",
		Featured:          uri + "/featured",
		Moderators:        uri + "/moderators",
		Discoverable:      true,
		Endpoints:         endpointsDoc{SharedInbox: sharedInboxURI(conf)},
		PublicKey: &publicKeyDoc{
			ID:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: community.PublicKeyPem,
		},
	}
}

// GetInstanceActorDoc builds the document for the service actor that
// signs this instance's fetches.
func GetInstanceActorDoc(conf *util.AppConfig) (error, *actorDoc) {
	err, acc := db.GetDB().ReadServiceAccount()
	if err != nil {
		return err, nil
	}

	uri := activitypub.InstanceActorURI(conf.Conf.SslDomain)
	return nil, &actorDoc{
		Context:           actorContext,
		ID:                uri,
		Type:              "Application",
		PreferredUsername: acc.Username,
		Inbox:             sharedInboxURI(conf),
		Outbox:            uri + "/outbox",
		Followers:         uri + "/followers",
		Endpoints:         endpointsDoc{SharedInbox: sharedInboxURI(conf)},
		PublicKey: &publicKeyDoc{
			ID:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: acc.PublicKeyPem,
		},
	}
}

func sharedInboxURI(conf *util.AppConfig) string {
	return fmt.Sprintf("https://%s/inbox", conf.Conf.SslDomain)
}
