package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/deemkeen/fedletic/cache"
	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/logging"
	"github.com/deemkeen/fedletic/telemetry"
	"github.com/deemkeen/fedletic/util"
)

const (
	ContentTypeActivityJSON = "application/activity+json"
	ContentTypeLDJSON       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	maxDocumentBytes = 1 << 20
	maxMediaBytes    = 5 << 20
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{1,30}$`)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Summary           string          `json:"summary"`
	URL               json.RawMessage `json:"url"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox"`
	Followers         string          `json:"followers"`
	Following         string          `json:"following"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon      json.RawMessage `json:"icon"`
	Image     json.RawMessage `json:"image"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// WebFinger is a JRD document as served from /.well-known/webfinger.
type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// SelfLink returns the ActivityPub actor URL advertised by the document.
func (wf *WebFinger) SelfLink() string {
	for _, l := range wf.Links {
		if l.Rel == "self" && (l.Type == ContentTypeActivityJSON || strings.HasPrefix(l.Type, "application/ld+json")) {
			return l.Href
		}
	}
	return ""
}

// Directory resolves local and remote actors. Remote actors are cached for a TTL and
// upserted by actor URL.
type Directory struct {
	db        *db.DB
	cache     cache.ActorCache
	client    *http.Client
	domain    string
	mediaDir  string
	scheme    string
	group     singleflight.Group
	sanitizer *bluemonday.Policy
	plain     *bluemonday.Policy
	log       *zap.Logger
}

func NewDirectory(database *db.DB, actorCache cache.ActorCache, client *http.Client, conf *util.AppConfig) *Directory {
	return &Directory{
		db:        database,
		cache:     actorCache,
		client:    client,
		domain:    conf.Conf.SslDomain,
		mediaDir:  conf.Conf.MediaDir,
		scheme:    "https",
		sanitizer: bluemonday.UGCPolicy(),
		plain:     bluemonday.StrictPolicy(),
		log:       logging.WithComponent("actors"),
	}
}

// NewHTTPClient is the client used for all outbound federation traffic.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// ResolveLocal finds a local actor by "user" or "user@domain".
func (d *Directory) ResolveLocal(ctx context.Context, handle string) (*domain.Actor, error) {
	handle = strings.TrimPrefix(strings.TrimPrefix(handle, "acct:"), "@")
	if !strings.Contains(handle, "@") {
		handle = handle + "@" + d.domain
	}
	actor, err := d.db.ReadActorByWebfinger(ctx, strings.ToLower(handle))
	if errors.Is(err, db.ErrNotFound) || (err == nil && actor.IsRemote) {
		return nil, fmt.Errorf("%s: %w", handle, ErrActorNotFound)
	}
	if err != nil {
		return nil, err
	}
	return actor, nil
}

// ResolveRemote returns the actor document at actorURL, from cache when fresh.
func (d *Directory) ResolveRemote(ctx context.Context, actorURL string) (*domain.Actor, error) {
	key := util.CanonicalURL(actorURL)
	if actor, ok := d.cache.Get(ctx, key); ok {
		return actor, nil
	}

	// concurrent misses for one actor share a single fetch
	v, err, _ := d.group.Do(key, func() (any, error) {
		if actor, ok := d.cache.Get(ctx, key); ok {
			return actor, nil
		}
		actor, err := d.fetchActor(ctx, key)
		if err != nil {
			return nil, err
		}
		d.cache.Set(ctx, key, actor)
		return actor, nil
	})
	if err != nil {
		return nil, err
	}
	actor := *v.(*domain.Actor)
	return &actor, nil
}

// ResolveKeyOwner maps a keyId to its actor: exact actor URL, then the derived
// webfinger handle, then a live fetch.
func (d *Directory) ResolveKeyOwner(ctx context.Context, keyID string) (*domain.Actor, error) {
	actorURL := util.CanonicalURL(keyID)

	if actor, err := d.db.ReadActorByURL(ctx, actorURL); err == nil {
		return actor, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	if handle, err := util.WebfingerFromURL(actorURL); err == nil {
		if actor, err := d.db.ReadActorByWebfinger(ctx, strings.ToLower(handle)); err == nil {
			return actor, nil
		}
	}

	actor, err := d.ResolveRemote(ctx, actorURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownActor, actorURL, err)
	}
	return actor, nil
}

// ResolveHandle turns "user@domain" or an actor URL into a stored remote actor.
func (d *Directory) ResolveHandle(ctx context.Context, handle string) (*domain.Actor, error) {
	if strings.HasPrefix(handle, "http://") || strings.HasPrefix(handle, "https://") {
		return d.ResolveRemote(ctx, handle)
	}
	wf, err := d.WebfingerLookup(ctx, handle)
	if err != nil {
		return nil, err
	}
	self := wf.SelfLink()
	if self == "" {
		return nil, fmt.Errorf("%w: webfinger for %s has no self link", ErrInvalidActorDocument, handle)
	}
	return d.ResolveRemote(ctx, self)
}

// WebfingerLookup performs the .well-known/webfinger round trip for handle.
func (d *Directory) WebfingerLookup(ctx context.Context, handle string) (*WebFinger, error) {
	handle = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(handle), "acct:"), "@")
	at := strings.LastIndex(handle, "@")
	if at <= 0 || at == len(handle)-1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	host := handle[at+1:]

	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s",
		d.scheme, host, url.QueryEscape("acct:"+handle))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger lookup for %s failed with status: %d", handle, resp.StatusCode)
	}

	var wf WebFinger
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&wf); err != nil {
		return nil, fmt.Errorf("failed to parse webfinger response: %w", err)
	}
	return &wf, nil
}

func (d *Directory) fetchActor(ctx context.Context, actorURL string) (*domain.Actor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	req.Header.Set("Accept", ContentTypeActivityJSON+", "+ContentTypeLDJSON)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		telemetry.ActorFetched(ctx, false)
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		telemetry.ActorFetched(ctx, false)
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRemoteFetch, actorURL, resp.StatusCode)
	}
	telemetry.ActorFetched(ctx, true)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrRemoteFetch, err)
	}

	var doc ActorResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActorDocument, err)
	}
	if doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: %s has no publicKey.publicKeyPem", ErrInvalidActorDocument, actorURL)
	}
	if doc.Inbox == "" {
		return nil, fmt.Errorf("%w: %s has no inbox", ErrInvalidActorDocument, actorURL)
	}
	if util.CanonicalURL(doc.ID) != actorURL {
		return nil, fmt.Errorf("%w: document id %q does not match %s", ErrInvalidActorDocument, doc.ID, actorURL)
	}

	actor := &domain.Actor{
		Webfinger:      d.remoteWebfinger(&doc, actorURL),
		Name:           d.plain.Sanitize(doc.Name),
		Summary:        d.sanitizer.Sanitize(doc.Summary),
		ActorURL:       actorURL,
		ProfileURL:     firstURL(doc.URL),
		InboxURL:       doc.Inbox,
		OutboxURL:      doc.Outbox,
		FollowersURL:   doc.Followers,
		FollowingURL:   doc.Following,
		SharedInboxURL: doc.Endpoints.SharedInbox,
		IsRemote:       true,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		LastFetchedAt:  time.Now().UTC(),
	}

	stored, err := d.db.UpsertRemoteActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	d.attachMedia(ctx, stored, firstURL(doc.Icon), firstURL(doc.Image))
	d.log.Info("Resolved remote actor", zap.String("actor", actorURL), zap.String("webfinger", stored.Webfinger))
	return stored, nil
}

func (d *Directory) remoteWebfinger(doc *ActorResponse, actorURL string) string {
	if doc.PreferredUsername != "" {
		if u, err := url.Parse(actorURL); err == nil && u.Host != "" {
			return strings.ToLower(doc.PreferredUsername + "@" + u.Host)
		}
	}
	handle, err := util.WebfingerFromURL(actorURL)
	if err != nil {
		return actorURL
	}
	return strings.ToLower(handle)
}

// firstURL extracts a link from the shapes ActivityPub uses: a string, an object with
// "url"/"href", or an array of either.
func firstURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		URL  json.RawMessage `json:"url"`
		Href string          `json:"href"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Href != "" {
			return obj.Href
		}
		if len(obj.URL) > 0 {
			return firstURL(obj.URL)
		}
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return firstURL(list[0])
	}
	return ""
}

// attachMedia downloads avatar and header images. Failures are logged only.
func (d *Directory) attachMedia(ctx context.Context, actor *domain.Actor, iconURL, headerURL string) {
	if d.mediaDir == "" || (iconURL == "" && headerURL == "") {
		return
	}

	iconPath, headerPath := actor.IconPath, actor.HeaderPath
	if iconURL != "" {
		if p, err := d.downloadImage(ctx, iconURL, "icon-"+actor.Id.String()); err != nil {
			d.log.Warn("Failed to fetch actor icon", zap.String("actor", actor.ActorURL), zap.Error(err))
		} else {
			iconPath = p
		}
	}
	if headerURL != "" {
		if p, err := d.downloadImage(ctx, headerURL, "header-"+actor.Id.String()); err != nil {
			d.log.Warn("Failed to fetch actor header", zap.String("actor", actor.ActorURL), zap.Error(err))
		} else {
			headerPath = p
		}
	}

	if iconPath == actor.IconPath && headerPath == actor.HeaderPath {
		return
	}
	if err := d.db.UpdateActorMedia(ctx, actor.Id, iconPath, headerPath); err != nil {
		d.log.Warn("Failed to store actor media", zap.String("actor", actor.ActorURL), zap.Error(err))
		return
	}
	actor.IconPath, actor.HeaderPath = iconPath, headerPath
}

func (d *Directory) downloadImage(ctx context.Context, src, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return "", err
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", fmt.Errorf("not an image: %s", mtype.String())
	}

	dir := filepath.Join(d.mediaDir, "actors")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+mtype.Extension())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// CreateLocalActor registers a new local actor with a fresh RSA keypair.
func CreateLocalActor(ctx context.Context, database *db.DB, conf *util.AppConfig, username, displayName string) (*domain.Actor, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: username must match %s", ErrInvalidHandle, usernamePattern)
	}

	keypair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, err
	}

	base := conf.BaseURL()
	actorURL := base + "/users/" + username
	actor := &domain.Actor{
		Webfinger:      username + "@" + conf.Conf.SslDomain,
		Name:           displayName,
		ActorURL:       actorURL,
		ProfileURL:     base + "/@" + username,
		InboxURL:       actorURL + "/inbox",
		OutboxURL:      actorURL + "/outbox",
		FollowersURL:   actorURL + "/followers",
		FollowingURL:   actorURL + "/following",
		SharedInboxURL: base + "/inbox",
		PublicKeyPem:   keypair.Public,
		PrivateKeyPem:  keypair.Private,
	}
	if err := database.CreateLocalActor(ctx, actor); err != nil {
		return nil, err
	}
	return actor, nil
}
