package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deemkeen/fedletic/cache"
	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/events"
	"github.com/deemkeen/fedletic/util"
)

// delivery is one POST received by a remotePeer inbox.
type delivery struct {
	Path   string
	Host   string
	Header http.Header
	Body   []byte
}

func (d delivery) request() *http.Request {
	r := httptest.NewRequest(http.MethodPost, "https://"+d.Host+d.Path, bytes.NewReader(d.Body))
	r.Header = d.Header.Clone()
	return r
}

func (d delivery) activity(t *testing.T) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(d.Body, &doc))
	return doc
}

// remotePeer is a fake fediverse server: it serves actor documents and webfinger,
// and records everything POSTed to its inboxes.
type remotePeer struct {
	srv     *httptest.Server
	fetches atomic.Int32

	mu          sync.Mutex
	actors      map[string]*domain.Actor
	overrides   map[string]func(doc map[string]any)
	deliveries  []delivery
	inboxStatus int
}

func newRemotePeer(t *testing.T) *remotePeer {
	t.Helper()
	p := &remotePeer{
		actors:      make(map[string]*domain.Actor),
		overrides:   make(map[string]func(doc map[string]any)),
		inboxStatus: http.StatusAccepted,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{name}", p.serveActor)
	mux.HandleFunc("GET /.well-known/webfinger", p.serveWebfinger)
	mux.HandleFunc("POST /users/{name}/inbox", p.serveInbox)
	mux.HandleFunc("POST /inbox", p.serveInbox)

	p.srv = httptest.NewTLSServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *remotePeer) client() *http.Client {
	c := p.srv.Client()
	c.Timeout = 5 * time.Second
	return c
}

func (p *remotePeer) host() string {
	return strings.TrimPrefix(p.srv.URL, "https://")
}

// addActor registers a remote actor with a fresh keypair. The returned actor keeps its
// private key so tests can sign as it.
func (p *remotePeer) addActor(t *testing.T, name string) *domain.Actor {
	t.Helper()
	keys, err := util.GeneratePemKeypair()
	require.NoError(t, err)

	actorURL := p.srv.URL + "/users/" + name
	a := &domain.Actor{
		Webfinger:      name + "@" + p.host(),
		Name:           strings.ToUpper(name[:1]) + name[1:],
		ActorURL:       actorURL,
		InboxURL:       actorURL + "/inbox",
		OutboxURL:      actorURL + "/outbox",
		FollowersURL:   actorURL + "/followers",
		FollowingURL:   actorURL + "/following",
		SharedInboxURL: p.srv.URL + "/inbox",
		IsRemote:       true,
		PublicKeyPem:   keys.Public,
		PrivateKeyPem:  keys.Private,
	}
	p.mu.Lock()
	p.actors[name] = a
	p.mu.Unlock()
	return a
}

// override lets a test tamper with the document served for name.
func (p *remotePeer) override(name string, f func(doc map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[name] = f
}

func (p *remotePeer) setInboxStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inboxStatus = status
}

func (p *remotePeer) received() []delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]delivery(nil), p.deliveries...)
}

func (p *remotePeer) serveActor(w http.ResponseWriter, r *http.Request) {
	p.fetches.Add(1)

	p.mu.Lock()
	a, ok := p.actors[r.PathValue("name")]
	override := p.overrides[r.PathValue("name")]
	p.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	doc := map[string]any{
		"@context":          []string{domain.ActivityStreamsContext, "https://w3id.org/security/v1"},
		"id":                a.ActorURL,
		"type":              "Person",
		"preferredUsername": a.Username(),
		"name":              a.Name,
		"summary":           a.Summary,
		"inbox":             a.InboxURL,
		"outbox":            a.OutboxURL,
		"followers":         a.FollowersURL,
		"following":         a.FollowingURL,
		"endpoints":         map[string]string{"sharedInbox": a.SharedInboxURL},
		"publicKey": map[string]string{
			"id":           a.KeyID(),
			"owner":        a.ActorURL,
			"publicKeyPem": a.PublicKeyPem,
		},
	}
	if override != nil {
		override(doc)
	}

	w.Header().Set("Content-Type", ContentTypeActivityJSON)
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *remotePeer) serveWebfinger(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimPrefix(r.URL.Query().Get("resource"), "acct:")
	name, _, _ := strings.Cut(resource, "@")

	p.mu.Lock()
	a, ok := p.actors[name]
	p.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	_ = json.NewEncoder(w).Encode(WebFinger{
		Subject: "acct:" + resource,
		Links: []WebFingerLink{
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: a.ActorURL},
			{Rel: "self", Type: ContentTypeActivityJSON, Href: a.ActorURL},
		},
	})
}

func (p *remotePeer) serveInbox(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.deliveries = append(p.deliveries, delivery{Path: r.URL.Path, Host: r.Host, Header: r.Header.Clone(), Body: body})
	status := p.inboxStatus
	p.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"status":"noted"}`))
}

// testNode is a complete local server wired the way main wires it, talking to one peer.
type testNode struct {
	conf      *util.AppConfig
	db        *db.DB
	cache     *cache.Memory
	dir       *Directory
	verifier  *Verifier
	inbox     *Inbox
	processor *Processor
	publisher *Publisher
	worker    *Worker
	bus       *events.Bus
	peer      *remotePeer

	mu    sync.Mutex
	fired []string
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func newTestConfig() *util.AppConfig {
	conf := util.NewTestConfig("example.com")
	conf.Conf.MediaDir = ""
	return conf
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	n := &testNode{
		conf: newTestConfig(),
		db:   newTestDB(t),
		bus:  events.NewBus(),
		peer: newRemotePeer(t),
	}
	n.cache = cache.NewMemory(n.conf.Conf.ActorCacheTtl)
	n.dir = NewDirectory(n.db, n.cache, n.peer.client(), n.conf)
	n.verifier = NewVerifier(n.dir, n.conf.Conf.SignatureMaxSkew)
	n.worker = NewWorker(n.db, n.conf)
	n.processor = NewProcessor(n.db, n.bus, n.conf)
	n.publisher = NewPublisher(n.db, n.dir, n.peer.client(), n.conf, n.worker.Wake)
	n.inbox = NewInbox(n.db, n.verifier, n.worker.Wake)
	n.worker.Handle(domain.TaskProcess, n.processor.HandleTask)
	n.worker.Handle(domain.TaskPublish, n.publisher.HandleTask)

	_, err := n.bus.Register(events.ActivityProcessed, func(_ context.Context, ev events.Event) error {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.fired = append(n.fired, ev.ActivityID)
		return nil
	})
	require.NoError(t, err)
	return n
}

func (n *testNode) localActor(t *testing.T, name string) *domain.Actor {
	t.Helper()
	a, err := CreateLocalActor(context.Background(), n.db, n.conf, name, "")
	require.NoError(t, err)
	return a
}

func (n *testNode) firedEvents() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.fired...)
}

// post signs body as sender and delivers it to path on this node's inbox.
func (n *testNode) post(t *testing.T, path string, sender *domain.Actor, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	target := n.conf.BaseURL() + path
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", ContentTypeActivityJSON)

	headers, err := Sign(sender, target, body, time.Now())
	require.NoError(t, err)
	headers.Apply(req)

	return n.deliver(t, path, req)
}

// deliver hands a prepared request to the inbox the router would pick for path.
func (n *testNode) deliver(t *testing.T, path string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	var addressed *domain.Actor
	if name, ok := strings.CutPrefix(path, "/users/"); ok {
		name = strings.TrimSuffix(name, "/inbox")
		a, err := n.dir.ResolveLocal(context.Background(), name)
		require.NoError(t, err)
		addressed = a
	}

	rec := httptest.NewRecorder()
	n.inbox.HandleInbox(rec, req, addressed)
	return rec
}

// drain runs the worker until the queue is empty.
func (n *testNode) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		count, err := n.worker.RunOnce(context.Background())
		require.NoError(t, err)
		if count == 0 {
			return
		}
	}
	t.Fatal("task queue did not drain")
}

func activityJSON(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	if _, ok := doc["@context"]; !ok {
		doc["@context"] = domain.ActivityStreamsContext
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func followDoc(id string, follower, target *domain.Actor) map[string]any {
	return map[string]any{
		"id":     id,
		"type":   domain.TypeFollow,
		"actor":  follower.ActorURL,
		"object": target.ActorURL,
	}
}

func activityID(peer *remotePeer, name string) string {
	return fmt.Sprintf("%s/activities/%s", peer.srv.URL, name)
}
