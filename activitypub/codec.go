package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glypto/glyptodon/util"
)

const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// The closed set of activity kinds this server understands. New kinds are
// added here and in the Processor's handler table.
const (
	TypeCreate   = "Create"
	TypeUpdate   = "Update"
	TypeDelete   = "Delete"
	TypeLike     = "Like"
	TypeDislike  = "Dislike"
	TypeFollow   = "Follow"
	TypeAccept   = "Accept"
	TypeUndo     = "Undo"
	TypeAnnounce = "Announce"
	TypeRemove   = "Remove"
	TypeAdd      = "Add"
	TypeBlock    = "Block"
)

var supportedTypes = map[string]bool{
	TypeCreate:   true,
	TypeUpdate:   true,
	TypeDelete:   true,
	TypeLike:     true,
	TypeDislike:  true,
	TypeFollow:   true,
	TypeAccept:   true,
	TypeUndo:     true,
	TypeAnnounce: true,
	TypeRemove:   true,
	TypeAdd:      true,
	TypeBlock:    true,
}

var ErrUnsupportedType = errors.New("unsupported activity type")

// StringList unmarshals a JSON value that may be a single string or an
// array of strings; "to"/"cc" fields come in both shapes in the wild.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Activity is the generic wire form of a federated activity. Object stays
// raw until the kind-specific handler decides how to read it.
type Activity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Published string          `json:"published,omitempty"`
	To        StringList      `json:"to,omitempty"`
	Cc        StringList      `json:"cc,omitempty"`
	Audience  string          `json:"audience,omitempty"`
	Target    string          `json:"target,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
}

// Object is the common subset of the payload types this server handles
// (Note, Page, Person, Group, Tombstone). A nested activity (as in Undo
// or Announce) keeps its own object raw one level down.
type Object struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Actor        string          `json:"actor,omitempty"`
	AttributedTo string          `json:"attributedTo,omitempty"`
	Name         string          `json:"name,omitempty"`
	Content      string          `json:"content,omitempty"`
	URL          string          `json:"url,omitempty"`
	MediaType    string          `json:"mediaType,omitempty"`
	Published    string          `json:"published,omitempty"`
	Updated      string          `json:"updated,omitempty"`
	InReplyTo    string          `json:"inReplyTo,omitempty"`
	Audience     string          `json:"audience,omitempty"`
	To           StringList      `json:"to,omitempty"`
	Cc           StringList      `json:"cc,omitempty"`
	Object       json.RawMessage `json:"object,omitempty"`
}

// ParseActivity decodes and validates the generic activity envelope.
func ParseActivity(body []byte) (*Activity, error) {
	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}

	if !util.IsURL(activity.ID) {
		return nil, fmt.Errorf("activity id %q is not a dereferenceable URI", activity.ID)
	}
	if !util.IsURL(activity.Actor) {
		return nil, fmt.Errorf("activity actor %q is not a dereferenceable URI", activity.Actor)
	}
	if !supportedTypes[activity.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, activity.Type)
	}

	return &activity, nil
}

// ObjectURI returns the identifier of the activity's object, whether the
// object is a bare reference or an embedded document.
func (a *Activity) ObjectURI() string {
	if len(a.Object) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return uri
	}
	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &embedded); err == nil {
		return embedded.ID
	}
	return ""
}

// EmbeddedObject decodes the activity's object as a document. Returns an
// error when the object is only a reference, so callers fall back to the
// resolver.
func (a *Activity) EmbeddedObject() (*Object, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity %s has no object", a.ID)
	}
	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return nil, fmt.Errorf("object of %s is a reference, not embedded", a.ID)
	}
	var obj Object
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse embedded object: %w", err)
	}
	return &obj, nil
}

// InnerActivity decodes the object as a nested activity, as carried by
// Undo, Accept and Announce.
func (a *Activity) InnerActivity() (*Activity, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity %s has no object", a.ID)
	}
	var inner Activity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return nil, fmt.Errorf("failed to parse inner activity: %w", err)
	}
	if inner.Type == "" {
		return nil, fmt.Errorf("inner object of %s has no type", a.ID)
	}
	return &inner, nil
}

// Marshal serializes an activity with the ActivityStreams context set.
func (a *Activity) Marshal() ([]byte, error) {
	if a.Context == nil {
		a.Context = ActivityStreamsContext
	}
	return json.Marshal(a)
}

// RawObject wraps an already-encoded value for embedding as an object.
func RawObject(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return b, nil
}

// originOf returns the host a URI lives on, empty when it has none.
// Origin comparisons against an empty host always fail closed.
func originOf(uri string) string {
	host, err := util.ExtractDomain(uri)
	if err != nil {
		return ""
	}
	return host
}
