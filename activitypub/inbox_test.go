package activitypub

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
	"github.com/google/uuid"
)

const remoteOrigin = "https://remote.example"

func newTestProcessor(t *testing.T) (*Processor, *db.DB, *util.AppConfig) {
	t.Helper()
	database := testDB(t)
	conf := testConf()

	keys := NewKeyStore(database, conf)
	resolver := NewResolver(database, keys, conf)
	keys.SetActorSource(resolver)
	dispatcher := NewDispatcher(database, keys, conf)
	outbox := NewOutbox(database, dispatcher, conf)
	return NewProcessor(database, keys, resolver, outbox, conf), database, conf
}

func applyTest(t *testing.T, p *Processor, activity *Activity) error {
	t.Helper()
	raw, err := activity.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}
	return p.apply(context.Background(), activity, string(raw))
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := RawObject(v)
	if err != nil {
		t.Fatalf("Failed to encode object: %v", err)
	}
	return raw
}

func remoteActivityURI() string {
	return fmt.Sprintf("%s/activities/%s", remoteOrigin, uuid.NewString())
}

func seedRemotePost(t *testing.T, database *db.DB, uri, author, community string) *domain.Post {
	t.Helper()
	post := &domain.Post{
		Id:           uuid.New(),
		URI:          uri,
		CommunityURI: community,
		AuthorURI:    author,
		Title:        "a post",
		Body:         "body",
		Published:    time.Now(),
	}
	if err := database.CreatePost(post); err != nil {
		t.Fatalf("Failed to seed post: %v", err)
	}
	return post
}

func TestApplyCreatePostAndReplay(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	actor := remoteOrigin + "/users/bob"
	postURI := remoteOrigin + "/post/1"
	activity := &Activity{
		ID:       remoteActivityURI(),
		Type:     TypeCreate,
		Actor:    actor,
		Audience: community,
		Object: mustRaw(t, &Object{
			ID:           postURI,
			Type:         "Page",
			AttributedTo: actor,
			Name:         "hello",
			Content:      "first post",
		}),
	}

	if err := applyTest(t, p, activity); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err, post := database.ReadPostByURI(postURI)
	if err != nil || post == nil {
		t.Fatalf("Post not created: %v", err)
	}
	if post.CommunityURI != community || post.AuthorURI != actor {
		t.Errorf("Post has wrong attribution: %+v", post)
	}

	err, record := database.ReadActivityByURI(activity.ID)
	if err != nil || record == nil {
		t.Fatalf("Ledger entry missing: %v", err)
	}
	if record.Outcome != domain.OutcomeApplied {
		t.Errorf("Expected applied outcome, got %q", record.Outcome)
	}

	if err := applyTest(t, p, activity); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Replay should report duplicate, got %v", err)
	}
}

func TestApplyCreateCommentInThread(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	author := remoteOrigin + "/users/bob"
	postURI := remoteOrigin + "/post/1"
	seedRemotePost(t, database, postURI, author, community)

	commenter := remoteOrigin + "/users/carol"
	commentURI := remoteOrigin + "/comment/1"
	activity := &Activity{
		ID:       remoteActivityURI(),
		Type:     TypeCreate,
		Actor:    commenter,
		Audience: community,
		Object: mustRaw(t, &Object{
			ID:           commentURI,
			Type:         "Note",
			AttributedTo: commenter,
			Content:      "a reply",
			InReplyTo:    postURI,
		}),
	}

	if err := applyTest(t, p, activity); err != nil {
		t.Fatalf("Create comment failed: %v", err)
	}
	err, comment := database.ReadCommentByURI(commentURI)
	if err != nil || comment == nil {
		t.Fatalf("Comment not created: %v", err)
	}
	if comment.PostURI != postURI || comment.ParentURI != "" {
		t.Errorf("Comment threaded wrong: %+v", comment)
	}
}

func TestApplyCreateNestedReply(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	author := remoteOrigin + "/users/bob"
	postURI := remoteOrigin + "/post/1"
	seedRemotePost(t, database, postURI, author, community)
	parent := &domain.Comment{
		Id:        uuid.New(),
		URI:       remoteOrigin + "/comment/1",
		PostURI:   postURI,
		AuthorURI: author,
		Content:   "parent",
		Published: time.Now(),
	}
	if err := database.CreateComment(parent); err != nil {
		t.Fatalf("Failed to seed comment: %v", err)
	}

	replyURI := remoteOrigin + "/comment/2"
	activity := &Activity{
		ID:       remoteActivityURI(),
		Type:     TypeCreate,
		Actor:    author,
		Audience: community,
		Object: mustRaw(t, &Object{
			ID:           replyURI,
			Type:         "Note",
			AttributedTo: author,
			Content:      "child",
			InReplyTo:    parent.URI,
		}),
	}
	if err := applyTest(t, p, activity); err != nil {
		t.Fatalf("Create reply failed: %v", err)
	}
	err, reply := database.ReadCommentByURI(replyURI)
	if err != nil || reply == nil {
		t.Fatalf("Reply not created: %v", err)
	}
	if reply.PostURI != postURI || reply.ParentURI != parent.URI {
		t.Errorf("Reply threaded wrong: %+v", reply)
	}
}

func TestApplyCreateRejectedWhenBanned(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	actor := remoteOrigin + "/users/bob"
	if err := database.ApplyActivity(&domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  remoteActivityURI(),
		ActivityType: TypeBlock,
		ActorURI:     remoteOrigin + "/users/mod",
		Outcome:      domain.OutcomeApplied,
		CreatedAt:    time.Now(),
	}, func(tx *sql.Tx) error {
		return database.AddCommunityBlockTx(tx, &domain.CommunityBlock{
			Id:           uuid.New(),
			CommunityURI: community,
			ActorURI:     actor,
			CreatedAt:    time.Now(),
		})
	}); err != nil {
		t.Fatalf("Failed to seed community block: %v", err)
	}

	activity := &Activity{
		ID:       remoteActivityURI(),
		Type:     TypeCreate,
		Actor:    actor,
		Audience: community,
		Object: mustRaw(t, &Object{
			ID:           remoteOrigin + "/post/1",
			Type:         "Page",
			AttributedTo: actor,
			Name:         "nope",
		}),
	}

	if err := applyTest(t, p, activity); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Expected forbidden, got %v", err)
	}

	// The rejection is on the ledger, so a replay short-circuits.
	err, record := database.ReadActivityByURI(activity.ID)
	if err != nil || record == nil {
		t.Fatalf("Rejected activity missing from ledger: %v", err)
	}
	if record.Outcome != domain.OutcomeRejected {
		t.Errorf("Expected rejected outcome, got %q", record.Outcome)
	}
	if err := applyTest(t, p, activity); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Replay of rejection should report duplicate, got %v", err)
	}
}

func TestApplyDeleteOnlyByAuthor(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	author := remoteOrigin + "/users/bob"
	postURI := remoteOrigin + "/post/1"
	seedRemotePost(t, database, postURI, author, community)

	intruder := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeDelete,
		Actor:  remoteOrigin + "/users/carol",
		Object: json.RawMessage(fmt.Sprintf("%q", postURI)),
	}
	if err := applyTest(t, p, intruder); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Delete by non-author should be forbidden, got %v", err)
	}
	if err, post := database.ReadPostByURI(postURI); err != nil || post == nil {
		t.Fatal("Post should survive a forbidden delete")
	}

	owned := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeDelete,
		Actor:  author,
		Object: json.RawMessage(fmt.Sprintf("%q", postURI)),
	}
	if err := applyTest(t, p, owned); err != nil {
		t.Fatalf("Delete by author failed: %v", err)
	}
	if _, post := database.ReadPostByURI(postURI); post != nil {
		t.Error("Post should be gone after the author's delete")
	}
}

func TestApplyVoteReplacesEarlierVote(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	postURI := remoteOrigin + "/post/1"
	seedRemotePost(t, database, postURI, remoteOrigin+"/users/bob", community)
	voter := remoteOrigin + "/users/carol"

	like := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeLike,
		Actor:  voter,
		Object: json.RawMessage(fmt.Sprintf("%q", postURI)),
	}
	if err := applyTest(t, p, like); err != nil {
		t.Fatalf("Like failed: %v", err)
	}
	if err, score := database.ReadScore(postURI); err != nil || score != 1 {
		t.Errorf("Expected score 1, got %d (%v)", score, err)
	}

	dislike := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeDislike,
		Actor:  voter,
		Object: json.RawMessage(fmt.Sprintf("%q", postURI)),
	}
	if err := applyTest(t, p, dislike); err != nil {
		t.Fatalf("Dislike failed: %v", err)
	}
	if err, score := database.ReadScore(postURI); err != nil || score != -1 {
		t.Errorf("Expected score -1 after changed vote, got %d (%v)", score, err)
	}
}

func TestApplyVoteOnUnknownObject(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	like := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeLike,
		Actor:  remoteOrigin + "/users/carol",
		Object: json.RawMessage(`"https://remote.example/post/404"`),
	}
	if err := applyTest(t, p, like); !errors.Is(err, ErrNotFound) {
		t.Errorf("Vote on unknown object should be not found, got %v", err)
	}
}

func TestApplyFollowAndUndo(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedAccount(t, database, "alice")
	target := PersonURI(testDomain, "alice")

	_, pubPem := testKeypair(t)
	follower := remoteOrigin + "/users/bob"
	seedRemoteActor(t, database, follower, pubPem)

	follow := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeFollow,
		Actor:  follower,
		Object: json.RawMessage(fmt.Sprintf("%q", target)),
	}
	if err := applyTest(t, p, follow); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	err, stored := database.ReadFollowByURI(follow.ID)
	if err != nil || stored == nil {
		t.Fatalf("Follow not recorded: %v", err)
	}
	if !stored.Accepted {
		t.Error("Local follow should be auto-accepted")
	}

	// afterApply owes the follower an Accept.
	err, queued := database.ReadDueDeliveries(time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	if len(*queued) != 1 {
		t.Errorf("Expected 1 queued Accept, got %d", len(*queued))
	}

	undo := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeUndo,
		Actor:  follower,
		Object: mustRaw(t, follow),
	}
	if err := applyTest(t, p, undo); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if _, stored := database.ReadFollowByURI(follow.ID); stored != nil {
		t.Error("Follow should be gone after Undo")
	}
}

func TestApplyFollowOfUnknownActor(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	follow := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeFollow,
		Actor:  remoteOrigin + "/users/bob",
		Object: json.RawMessage(fmt.Sprintf("%q", PersonURI(testDomain, "nobody"))),
	}
	if err := applyTest(t, p, follow); !errors.Is(err, ErrNotFound) {
		t.Errorf("Follow of unknown actor should be not found, got %v", err)
	}
}

func TestApplyUndoByOtherActorForbidden(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedAccount(t, database, "alice")
	target := PersonURI(testDomain, "alice")

	_, pubPem := testKeypair(t)
	follower := remoteOrigin + "/users/bob"
	seedRemoteActor(t, database, follower, pubPem)

	follow := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeFollow,
		Actor:  follower,
		Object: json.RawMessage(fmt.Sprintf("%q", target)),
	}
	if err := applyTest(t, p, follow); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	undo := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeUndo,
		Actor:  remoteOrigin + "/users/carol",
		Object: mustRaw(t, follow),
	}
	if err := applyTest(t, p, undo); !errors.Is(err, ErrForbidden) {
		t.Errorf("Undo by another actor should be forbidden, got %v", err)
	}
}

func TestApplyRemoveRequiresModerator(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	postURI := remoteOrigin + "/post/1"
	seedRemotePost(t, database, postURI, remoteOrigin+"/users/bob", community)

	mod := remoteOrigin + "/users/mod"
	remove := &Activity{
		ID:       remoteActivityURI(),
		Type:     TypeRemove,
		Actor:    mod,
		Audience: community,
		Object:   json.RawMessage(fmt.Sprintf("%q", postURI)),
	}
	if err := applyTest(t, p, remove); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Remove by non-moderator should be forbidden, got %v", err)
	}

	if err := database.AddModerator(&domain.CommunityModerator{
		Id:           uuid.New(),
		CommunityURI: community,
		ActorURI:     mod,
		AddedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed moderator: %v", err)
	}

	remove.ID = remoteActivityURI()
	if err := applyTest(t, p, remove); err != nil {
		t.Fatalf("Remove by moderator failed: %v", err)
	}
	err, post := database.ReadPostByURI(postURI)
	if err != nil || post == nil {
		t.Fatalf("Post should still exist: %v", err)
	}
	if !post.Removed {
		t.Error("Post should be marked removed")
	}

	restore := &Activity{
		ID:       remoteActivityURI(),
		Type:     TypeUndo,
		Actor:    mod,
		Audience: community,
		Object:   mustRaw(t, remove),
	}
	if err := applyTest(t, p, restore); err != nil {
		t.Fatalf("Undo Remove failed: %v", err)
	}
	if err, post := database.ReadPostByURI(postURI); err != nil || post == nil || post.Removed {
		t.Error("Post should be restored after Undo Remove")
	}
}

func TestApplyAddFeaturesPost(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	postURI := remoteOrigin + "/post/1"
	seedRemotePost(t, database, postURI, remoteOrigin+"/users/bob", community)
	mod := remoteOrigin + "/users/mod"
	if err := database.AddModerator(&domain.CommunityModerator{
		Id:           uuid.New(),
		CommunityURI: community,
		ActorURI:     mod,
		AddedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed moderator: %v", err)
	}

	add := &Activity{
		ID:       remoteActivityURI(),
		Type:     TypeAdd,
		Actor:    mod,
		Audience: community,
		Target:   community + "/featured",
		Object:   json.RawMessage(fmt.Sprintf("%q", postURI)),
	}
	if err := applyTest(t, p, add); err != nil {
		t.Fatalf("Add to featured failed: %v", err)
	}
	err, post := database.ReadPostByURI(postURI)
	if err != nil || post == nil || !post.Featured {
		t.Error("Post should be featured")
	}
}

func TestApplyAnnounceUnwrapsInnerActivity(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	author := remoteOrigin + "/users/bob"
	postURI := remoteOrigin + "/post/1"
	inner := &Activity{
		ID:       remoteActivityURI(),
		Type:     TypeCreate,
		Actor:    author,
		Audience: community,
		Object: mustRaw(t, &Object{
			ID:           postURI,
			Type:         "Page",
			AttributedTo: author,
			Name:         "boosted",
		}),
	}
	announce := &Activity{
		ID:       "https://hub.example/activities/" + uuid.NewString(),
		Type:     TypeAnnounce,
		Actor:    "https://hub.example/c/golang",
		Audience: community,
		Object:   mustRaw(t, inner),
	}

	if err := applyTest(t, p, announce); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if err, post := database.ReadPostByURI(postURI); err != nil || post == nil {
		t.Fatal("Announced post not created")
	}

	// Both the wrapper and the inner activity enter the ledger.
	if err, record := database.ReadActivityByURI(inner.ID); err != nil || record == nil {
		t.Error("Inner activity missing from ledger")
	}
	if err, record := database.ReadActivityByURI(announce.ID); err != nil || record == nil {
		t.Error("Announce missing from ledger")
	}
}

func TestApplyAnnounceRejectsForgedInnerOrigin(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	// Inner id lives on a different origin than the claimed inner actor.
	inner := &Activity{
		ID:    "https://hub.example/activities/" + uuid.NewString(),
		Type:  TypeCreate,
		Actor: remoteOrigin + "/users/bob",
		Object: mustRaw(t, &Object{
			ID:   "https://hub.example/post/1",
			Type: "Page",
		}),
	}
	announce := &Activity{
		ID:     "https://hub.example/activities/" + uuid.NewString(),
		Type:   TypeAnnounce,
		Actor:  "https://hub.example/c/golang",
		Object: mustRaw(t, inner),
	}
	if err := applyTest(t, p, announce); !errors.Is(err, ErrForbidden) {
		t.Errorf("Forged inner origin should be forbidden, got %v", err)
	}
}

func TestApplyUnsupportedType(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	activity := &Activity{
		ID:    remoteActivityURI(),
		Type:  "Flag",
		Actor: remoteOrigin + "/users/bob",
	}
	if err := applyTest(t, p, activity); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("Expected unsupported type, got %v", err)
	}
}

// signedInboxRequest builds an inbox POST carrying a valid draft-cavage
// signature over the body.
func signedInboxRequest(t *testing.T, privPem, keyId string, body []byte) *http.Request {
	t.Helper()
	key, err := ParsePrivateKey(privPem)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	req := httptest.NewRequest("POST", "https://"+testDomain+"/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", activityJSONMedia)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if err := SignRequest(req, key, keyId, body); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}

func TestProcessSignedCreate(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedServiceAccount(t, database)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	privPem, pubPem := testKeypair(t)
	server := serveActorDoc(t, pubPem)
	defer server.Close()
	actorURI := server.URL + "/users/bob"

	postURI := server.URL + "/post/1"
	activity := &Activity{
		ID:       server.URL + "/activities/" + uuid.NewString(),
		Type:     TypeCreate,
		Actor:    actorURI,
		Audience: community,
		Object: mustRaw(t, &Object{
			ID:           postURI,
			Type:         "Page",
			AttributedTo: actorURI,
			Name:         "hello",
		}),
	}
	body, err := activity.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}

	req := signedInboxRequest(t, privPem, actorURI+"#main-key", body)
	if err := p.Process(context.Background(), req, body); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err, post := database.ReadPostByURI(postURI); err != nil || post == nil {
		t.Fatalf("Post not created: %v", err)
	}
}

func TestProcessTamperedBody(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedServiceAccount(t, database)
	seedCommunity(t, database, "golang")

	privPem, pubPem := testKeypair(t)
	server := serveActorDoc(t, pubPem)
	defer server.Close()
	actorURI := server.URL + "/users/bob"

	activity := &Activity{
		ID:       server.URL + "/activities/" + uuid.NewString(),
		Type:     TypeCreate,
		Actor:    actorURI,
		Audience: CommunityURI(testDomain, "golang"),
		Object: mustRaw(t, &Object{
			ID:           server.URL + "/post/1",
			Type:         "Page",
			AttributedTo: actorURI,
			Name:         "hello",
		}),
	}
	body, err := activity.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}

	// The Digest header stays bound to the signed body; a body altered
	// after signing must be rejected.
	req := signedInboxRequest(t, privPem, actorURI+"#main-key", body)
	tampered := append(append([]byte{}, body...), ' ')
	if err := p.Process(context.Background(), req, tampered); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("Expected signature mismatch for tampered body, got %v", err)
	}
}

func TestProcessRejectsActorSignerMismatch(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedServiceAccount(t, database)

	privPem, pubPem := testKeypair(t)
	server := serveActorDoc(t, pubPem)
	defer server.Close()
	actorURI := server.URL + "/users/bob"

	activity := &Activity{
		ID:     server.URL + "/activities/" + uuid.NewString(),
		Type:   TypeLike,
		Actor:  server.URL + "/users/mallory",
		Object: mustRaw(t, server.URL+"/post/1"),
	}
	body, err := activity.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}

	req := signedInboxRequest(t, privPem, actorURI+"#main-key", body)
	if err := p.Process(context.Background(), req, body); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected forbidden for actor/signer mismatch, got %v", err)
	}
}

func TestProcessKeyRotationRefetchesOnce(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedServiceAccount(t, database)
	seedCommunity(t, database, "golang")

	newPriv, newPub := testKeypair(t)
	_, oldPub := testKeypair(t)
	server := serveActorDoc(t, newPub)
	defer server.Close()
	actorURI := server.URL + "/users/bob"

	// The stored copy still carries the pre-rotation key.
	seedRemoteActor(t, database, actorURI, oldPub)

	activity := &Activity{
		ID:       server.URL + "/activities/" + uuid.NewString(),
		Type:     TypeCreate,
		Actor:    actorURI,
		Audience: CommunityURI(testDomain, "golang"),
		Object: mustRaw(t, &Object{
			ID:           server.URL + "/post/1",
			Type:         "Page",
			AttributedTo: actorURI,
			Name:         "hello",
		}),
	}
	body, err := activity.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}

	req := signedInboxRequest(t, newPriv, actorURI+"#main-key", body)
	if err := p.Process(context.Background(), req, body); err != nil {
		t.Fatalf("Process after key rotation failed: %v", err)
	}
	err, actor := database.ReadRemoteActorByURI(actorURI)
	if err != nil || actor == nil {
		t.Fatalf("Actor missing: %v", err)
	}
	if actor.PublicKeyPem != newPub {
		t.Error("Stored actor should carry the rotated key")
	}
}

func TestProcessVerifyUsesKeyCache(t *testing.T) {
	database := testDB(t)
	conf := testConf()
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	privPem, pubPem := testKeypair(t)
	actorURI := remoteOrigin + "/users/bob"
	source := &stubActorSource{actors: map[string]*domain.RemoteActor{
		actorURI: {ActorURI: actorURI, PublicKeyPem: pubPem},
	}}

	keys := NewKeyStore(database, conf)
	keys.SetActorSource(source)
	resolver := NewResolver(database, keys, conf)
	dispatcher := NewDispatcher(database, keys, conf)
	outbox := NewOutbox(database, dispatcher, conf)
	p := NewProcessor(database, keys, resolver, outbox, conf)

	for i := 0; i < 2; i++ {
		activity := &Activity{
			ID:       remoteActivityURI(),
			Type:     TypeCreate,
			Actor:    actorURI,
			Audience: community,
			Object: mustRaw(t, &Object{
				ID:           fmt.Sprintf("%s/post/%d", remoteOrigin, i),
				Type:         "Page",
				AttributedTo: actorURI,
				Name:         "hello",
			}),
		}
		body, err := activity.Marshal()
		if err != nil {
			t.Fatalf("Failed to marshal activity: %v", err)
		}
		req := signedInboxRequest(t, privPem, actorURI+"#main-key", body)
		if err := p.Process(context.Background(), req, body); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}
	if source.calls != 1 {
		t.Errorf("Expected 1 key source lookup across requests, got %d", source.calls)
	}
}

func TestApplyActorSelfDeleteCascades(t *testing.T) {
	p, database, _ := newTestProcessor(t)
	seedCommunity(t, database, "golang")
	community := CommunityURI(testDomain, "golang")

	_, pubPem := testKeypair(t)
	actor := remoteOrigin + "/users/bob"
	seedRemoteActor(t, database, actor, pubPem)

	postURI := remoteOrigin + "/post/1"
	seedRemotePost(t, database, postURI, actor, community)
	comment := &domain.Comment{
		Id:        uuid.New(),
		URI:       remoteOrigin + "/comment/1",
		PostURI:   postURI,
		AuthorURI: actor,
		Content:   "a comment",
		Published: time.Now(),
	}
	if err := database.CreateComment(comment); err != nil {
		t.Fatalf("Failed to seed comment: %v", err)
	}

	like := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeLike,
		Actor:  actor,
		Object: mustRaw(t, postURI),
	}
	if err := applyTest(t, p, like); err != nil {
		t.Fatalf("Like failed: %v", err)
	}
	follow := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeFollow,
		Actor:  actor,
		Object: mustRaw(t, community),
	}
	if err := applyTest(t, p, follow); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	del := &Activity{
		ID:     remoteActivityURI(),
		Type:   TypeDelete,
		Actor:  actor,
		Object: mustRaw(t, actor),
	}
	if err := applyTest(t, p, del); err != nil {
		t.Fatalf("Self-delete failed: %v", err)
	}

	if err, post := database.ReadPostByURI(postURI); err == nil && post != nil {
		t.Error("Post should be deleted with its author")
	}
	if err, c := database.ReadCommentByURI(comment.URI); err == nil && c != nil {
		t.Error("Comment should be deleted with its author")
	}
	if err, v := database.ReadVote(actor, postURI); err == nil && v != nil {
		t.Error("Vote should be deleted with its actor")
	}
	if err, f := database.ReadFollowByPair(actor, community); err == nil && f != nil {
		t.Error("Follow should be deleted with its actor")
	}
	if err, a := database.ReadRemoteActorByURI(actor); err == nil && a != nil {
		t.Error("Remote actor row should be deleted")
	}
}
