package activitypub

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
	"github.com/google/uuid"
)

const testDomain = "example.com"

func testDB(t *testing.T) *db.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ap_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	database, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.HttpPort = 8080
	conf.Conf.SslDomain = testDomain
	conf.Conf.WithFederation = true
	util.ApplyDefaults(conf)
	return conf
}

// testKeypair generates a small signing keypair; production keys are
// larger but slow the tests down for nothing.
func testKeypair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	privPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	pubPem := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})
	return string(privPem), string(pubPem)
}

func seedAccount(t *testing.T, database *db.DB, username string) *domain.Account {
	t.Helper()
	privPem, pubPem := testKeypair(t)
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		PublicKeyPem:  pubPem,
		PrivateKeyPem: privPem,
		CreatedAt:     time.Now(),
	}
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("Failed to seed account: %v", err)
	}
	return acc
}

func seedCommunity(t *testing.T, database *db.DB, name string) *domain.Community {
	t.Helper()
	privPem, pubPem := testKeypair(t)
	community := &domain.Community{
		Id:            uuid.New(),
		Name:          name,
		Title:         name,
		PublicKeyPem:  pubPem,
		PrivateKeyPem: privPem,
		CreatedAt:     time.Now(),
	}
	if err := database.CreateCommunity(community); err != nil {
		t.Fatalf("Failed to seed community: %v", err)
	}
	return community
}

func seedServiceAccount(t *testing.T, database *db.DB) *domain.Account {
	t.Helper()
	privPem, pubPem := testKeypair(t)
	err, acc := database.EnsureServiceAccount(&util.RsaKeyPair{Private: privPem, Public: pubPem})
	if err != nil {
		t.Fatalf("Failed to seed service account: %v", err)
	}
	return acc
}

func seedRemoteActor(t *testing.T, database *db.DB, actorURI, pubPem string) *domain.RemoteActor {
	t.Helper()
	actor := &domain.RemoteActor{
		Id:            uuid.New(),
		Username:      "remote",
		Domain:        originOf(actorURI),
		Kind:          domain.ActorKindPerson,
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  pubPem,
		LastFetchedAt: time.Now(),
	}
	if err := database.UpsertRemoteActor(actor); err != nil {
		t.Fatalf("Failed to seed remote actor: %v", err)
	}
	return actor
}
