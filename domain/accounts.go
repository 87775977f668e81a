package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actor is a federated identity, local or remote.
// Local actors always carry a private key, remote actors never do.
type Actor struct {
	Id             uuid.UUID
	Webfinger      string // user@domain, unique
	Name           string
	Summary        string
	ActorURL       string // ActivityPub id, unique
	ProfileURL     string
	InboxURL       string
	OutboxURL      string
	FollowersURL   string
	FollowingURL   string
	SharedInboxURL string
	IsRemote       bool
	PublicKeyPem   string
	PrivateKeyPem  string
	IconPath       string
	HeaderPath     string
	LastFetchedAt  time.Time
	CreatedAt      time.Time
}

func (a *Actor) KeyID() string {
	return a.ActorURL + "#main-key"
}

// Username is the local part of the webfinger handle.
func (a *Actor) Username() string {
	name, _, _ := strings.Cut(a.Webfinger, "@")
	return name
}

func (a *Actor) Domain() string {
	_, domain, _ := strings.Cut(a.Webfinger, "@")
	return domain
}

// DeliveryInbox prefers the shared inbox.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tWebfinger: %s \n\tActorURL: %s \n\tIsRemote: %t \n\tCREATED_AT: %s)", a.Id, a.Webfinger, a.ActorURL, a.IsRemote, a.CreatedAt)
}

// Follow is a directed edge ActorId -> TargetId. One edge per ordered pair.
type Follow struct {
	Id          uuid.UUID
	ActorId     uuid.UUID
	TargetId    uuid.UUID
	ActivityURI string
	Accepted    bool
	CreatedAt   time.Time
}
