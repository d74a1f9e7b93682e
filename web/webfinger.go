package web

import (
	"fmt"
	"strings"

	"github.com/glypto/glyptodon/activitypub"
	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/util"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerDoc struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

// GetWebfinger resolves an acct: resource to a local person or
// community.
func GetWebfinger(resource string, conf *util.AppConfig) (error, *webfingerDoc) {
	name, host, err := parseAcct(resource)
	if err != nil {
		return err, nil
	}
	if host != conf.Conf.SslDomain {
		return fmt.Errorf("resource %q is not local", resource), nil
	}

	var uri string
	if lerr, acc := db.GetDB().ReadAccountByUsername(name); lerr == nil && acc != nil {
		uri = activitypub.PersonURI(conf.Conf.SslDomain, acc.Username)
	} else if lerr, c := db.GetDB().ReadCommunityByName(name); lerr == nil && c != nil {
		uri = activitypub.CommunityURI(conf.Conf.SslDomain, c.Name)
	} else {
		return fmt.Errorf("no local actor %q", name), nil
	}

	return nil, &webfingerDoc{
		Subject: fmt.Sprintf("acct:%s@%s", name, conf.Conf.SslDomain),
		Links: []webfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: uri,
			},
		},
	}
}

// parseAcct splits "acct:name@host". The acct: prefix is optional;
// clients disagree on sending it.
func parseAcct(resource string) (string, string, error) {
	trimmed := strings.TrimPrefix(resource, "acct:")
	name, host, found := strings.Cut(trimmed, "@")
	if !found || name == "" || host == "" {
		return "", "", fmt.Errorf("malformed resource %q", resource)
	}
	return name, host, nil
}
