package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deemkeen/fedletic/activitypub"
	"github.com/deemkeen/fedletic/cache"
	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/util"
)

// keyring resolves key ids of remote actors registered by the test.
type keyring map[string]*domain.Actor

func (k keyring) ResolveKeyOwner(_ context.Context, keyID string) (*domain.Actor, error) {
	a, ok := k[keyID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", keyID, activitypub.ErrUnknownActor)
	}
	return a, nil
}

type fixture struct {
	conf   *util.AppConfig
	db     *db.DB
	keys   keyring
	server *Server
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conf := util.NewTestConfig("example.com")
	conf.Conf.MediaDir = ""
	conf.Conf.OpenRegistrations = true

	keys := keyring{}
	dir := activitypub.NewDirectory(database, cache.NewMemory(time.Hour), http.DefaultClient, conf)
	inbox := activitypub.NewInbox(database, activitypub.NewVerifier(keys, conf.Conf.SignatureMaxSkew), nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "fedletic_up 1")
	})

	server := NewServer(conf, database, dir, inbox, metrics)
	return &fixture{conf: conf, db: database, keys: keys, server: server, router: server.Router()}
}

func (f *fixture) localActor(t *testing.T, name string) *domain.Actor {
	t.Helper()
	a, err := activitypub.CreateLocalActor(context.Background(), f.db, f.conf, name, "")
	require.NoError(t, err)
	return a
}

// remoteActor stores a remote actor and returns it with its private key for signing.
func (f *fixture) remoteActor(t *testing.T, name string) *domain.Actor {
	t.Helper()
	keys, err := util.GeneratePemKeypair()
	require.NoError(t, err)

	actorURL := "https://remote.example/users/" + name
	stored, err := f.db.UpsertRemoteActor(context.Background(), &domain.Actor{
		Webfinger:      name + "@remote.example",
		ActorURL:       actorURL,
		InboxURL:       actorURL + "/inbox",
		SharedInboxURL: "https://remote.example/inbox",
		PublicKeyPem:   keys.Public,
	})
	require.NoError(t, err)
	f.keys[stored.KeyID()] = stored

	signer := *stored
	signer.PrivateKeyPem = keys.Private
	return &signer
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, f.conf.BaseURL()+path, nil))
	return w
}

func (f *fixture) post(t *testing.T, path string, sender *domain.Actor, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	target := f.conf.BaseURL() + path
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", activitypub.ContentTypeActivityJSON)
	if sender != nil {
		headers, err := activitypub.Sign(sender, target, body, time.Now())
		require.NoError(t, err)
		headers.Apply(req)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc), w.Body.String())
	return doc
}

func followJSON(t *testing.T, id string, from, to *domain.Actor) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"@context": domain.ActivityStreamsContext,
		"id":       id,
		"type":     domain.TypeFollow,
		"actor":    from.ActorURL,
		"object":   to.ActorURL,
	})
	require.NoError(t, err)
	return body
}

func TestActorDocument(t *testing.T) {
	f := newFixture(t)
	alice := f.localActor(t, "alice")

	w := f.get(t, "/users/alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, activitypub.ContentTypeActivityJSON, w.Header().Get("Content-Type"))

	var doc activitypub.ActorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, alice.ActorURL, doc.ID)
	assert.Equal(t, "Person", doc.Type)
	assert.Equal(t, "alice", doc.PreferredUsername)
	assert.Equal(t, "alice", doc.Name, "falls back to the username")
	assert.Equal(t, "https://example.com/users/alice/inbox", doc.Inbox)
	assert.Equal(t, "https://example.com/inbox", doc.Endpoints.SharedInbox)
	assert.Equal(t, alice.KeyID(), doc.PublicKey.ID)
	assert.Equal(t, alice.ActorURL, doc.PublicKey.Owner)
	assert.Equal(t, alice.PublicKeyPem, doc.PublicKey.PublicKeyPem)
	assert.NotContains(t, w.Body.String(), "PRIVATE KEY")

	assert.Equal(t, http.StatusNotFound, f.get(t, "/users/nobody").Code)
}

func TestInboxDelivery(t *testing.T) {
	f := newFixture(t)
	alice := f.localActor(t, "alice")
	bob := f.remoteActor(t, "bob")
	ctx := context.Background()

	id := "https://remote.example/activities/1"
	w := f.post(t, "/users/alice/inbox", bob, followJSON(t, id, bob, alice))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "Activity received", decode(t, w)["message"])

	stored, err := f.db.ReadActivity(ctx, id)
	require.NoError(t, err)
	assert.True(t, stored.IsRemote)
	assert.Equal(t, alice.Id, stored.TargetId.UUID)

	tasks, err := f.db.ReadTasksForActivity(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskProcess, tasks[0].Kind)

	// the same activity through the shared inbox is accepted and not queued twice
	w = f.post(t, "/inbox", bob, followJSON(t, id, bob, alice))
	assert.Equal(t, http.StatusAccepted, w.Code)
	tasks, err = f.db.ReadTasksForActivity(ctx, id)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestInboxRejects(t *testing.T) {
	f := newFixture(t)
	alice := f.localActor(t, "alice")
	bob := f.remoteActor(t, "bob")

	w := f.post(t, "/users/nobody/inbox", bob, followJSON(t, "https://remote.example/activities/2", bob, alice))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown actor", decode(t, w)["error"])

	w = f.post(t, "/inbox", nil, followJSON(t, "https://remote.example/activities/3", bob, alice))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotEmpty(t, decode(t, w)["error"])

	big := bytes.Repeat([]byte("x"), maxInboxBytes+1)
	w = f.post(t, "/inbox", bob, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCollections(t *testing.T) {
	f := newFixture(t)
	alice := f.localActor(t, "alice")
	bob := f.remoteActor(t, "bob")
	carol := f.remoteActor(t, "carol")
	ctx := context.Background()

	_, err := f.db.UpsertFollow(ctx, &domain.Follow{ActorId: bob.Id, TargetId: alice.Id, Accepted: true})
	require.NoError(t, err)
	_, err = f.db.UpsertFollow(ctx, &domain.Follow{ActorId: carol.Id, TargetId: alice.Id})
	require.NoError(t, err)
	_, err = f.db.UpsertFollow(ctx, &domain.Follow{ActorId: alice.Id, TargetId: carol.Id, Accepted: true})
	require.NoError(t, err)

	createID := f.conf.BaseURL() + "/activities/c1"
	_, _, err = f.db.InsertActivity(ctx, &domain.Activity{
		ID:         createID,
		ActorId:    alice.Id,
		ActorURL:   alice.ActorURL,
		Type:       domain.TypeCreate,
		ObjectJSON: json.RawMessage(`{"id":"https://example.com/notes/1","type":"Note","content":"hi"}`),
	})
	require.NoError(t, err)

	tests := []struct {
		path  string
		id    string
		total float64
		first any
	}{
		{"/users/alice/followers", alice.FollowersURL, 1, bob.ActorURL},
		{"/users/alice/following", alice.FollowingURL, 1, carol.ActorURL},
		{"/users/alice/outbox", alice.OutboxURL, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := f.get(t, tt.path)
			require.Equal(t, http.StatusOK, w.Code)
			doc := decode(t, w)
			assert.Equal(t, "OrderedCollection", doc["type"])
			assert.Equal(t, tt.id, doc["id"])
			assert.Equal(t, tt.total, doc["totalItems"])
			items := doc["orderedItems"].([]any)
			require.Len(t, items, 1)
			if tt.first != nil {
				assert.Equal(t, tt.first, items[0])
			}
		})
	}

	w := f.get(t, "/users/alice/outbox")
	items := decode(t, w)["orderedItems"].([]any)
	create := items[0].(map[string]any)
	assert.Equal(t, createID, create["id"])
	assert.Equal(t, "hi", create["object"].(map[string]any)["content"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/users/nobody/followers").Code)
}

func TestEmptyCollection(t *testing.T) {
	f := newFixture(t)
	f.localActor(t, "alice")

	w := f.get(t, "/users/alice/followers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, mustMarshal(t, decode(t, w)["orderedItems"]))
}

func mustMarshal(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestNodeInfo(t *testing.T) {
	f := newFixture(t)
	alice := f.localActor(t, "alice")
	f.localActor(t, "zoe")
	f.remoteActor(t, "bob")
	_, _, err := f.db.InsertActivity(context.Background(), &domain.Activity{
		ID: f.conf.BaseURL() + "/activities/n1", ActorId: alice.Id, ActorURL: alice.ActorURL,
		Type: domain.TypeCreate, ObjectURI: f.conf.BaseURL() + "/notes/1",
	})
	require.NoError(t, err)

	w := f.get(t, "/.well-known/nodeinfo")
	require.Equal(t, http.StatusOK, w.Code)
	links := decode(t, w)["links"].([]any)
	require.Len(t, links, 1)
	assert.Equal(t, "https://example.com/nodeinfo/2.0", links[0].(map[string]any)["href"])

	w = f.get(t, "/nodeinfo/2.0")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), nodeInfoSchema)

	var info NodeInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "2.0", info.Version)
	assert.Equal(t, util.Name, info.Software.Name)
	assert.Equal(t, []string{"activitypub"}, info.Protocols)
	assert.Equal(t, 2, info.Usage.Users.Total)
	assert.Equal(t, 1, info.Usage.LocalPosts)
	assert.True(t, info.OpenRegistrations)
}

func TestServesLocalObjects(t *testing.T) {
	f := newFixture(t)
	alice := f.localActor(t, "alice")
	ctx := context.Background()

	workoutURI := f.conf.BaseURL() + "/workouts/w1"
	_, err := f.db.UpsertWorkout(ctx, &domain.Workout{
		ObjectURI:      workoutURI,
		ActorId:        alice.Id,
		Name:           "Morning swim",
		Duration:       30 * time.Minute,
		DistanceMeters: 1500,
		StartTime:      time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC),
		Details:        domain.SwimmingDetails{},
	})
	require.NoError(t, err)

	w := f.get(t, "/workouts/w1")
	require.Equal(t, http.StatusOK, w.Code)
	note := decode(t, w)
	assert.Equal(t, workoutURI, note["id"])
	assert.Equal(t, "Note", note["type"])
	assert.Equal(t, alice.ActorURL, note["attributedTo"])
	assert.Equal(t, "swimming", note["fedletic:workout_type"])
	assert.NotNil(t, note["@context"])

	activityID := f.conf.BaseURL() + "/activities/a1"
	_, _, err = f.db.InsertActivity(ctx, &domain.Activity{
		ID: activityID, ActorId: alice.Id, ActorURL: alice.ActorURL,
		Type: domain.TypeCreate, ObjectURI: workoutURI,
	})
	require.NoError(t, err)

	w = f.get(t, "/activities/a1")
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode(t, w)
	assert.Equal(t, activityID, doc["id"])
	assert.Equal(t, workoutURI, doc["object"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/workouts/missing").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/activities/missing").Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fedletic_up")

	// without a metrics handler the route does not exist
	f.server.metrics = nil
	w = httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.conf.Conf.Host = "127.0.0.1"
	f.conf.Conf.HttpPort = 0

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}
