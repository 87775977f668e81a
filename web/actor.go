package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/workouts"
)

var actorContext = []string{
	domain.ActivityStreamsContext,
	"https://w3id.org/security/v1",
}

type publicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type endpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

// ActorDocument is the Person document served for a local actor.
type ActorDocument struct {
	Context                   []string  `json:"@context"`
	ID                        string    `json:"id"`
	Type                      string    `json:"type"`
	PreferredUsername         string    `json:"preferredUsername"`
	Name                      string    `json:"name"`
	Summary                   string    `json:"summary"`
	URL                       string    `json:"url"`
	Inbox                     string    `json:"inbox"`
	Outbox                    string    `json:"outbox"`
	Followers                 string    `json:"followers"`
	Following                 string    `json:"following"`
	ManuallyApprovesFollowers bool      `json:"manuallyApprovesFollowers"`
	Discoverable              bool      `json:"discoverable"`
	Endpoints                 endpoints `json:"endpoints"`
	PublicKey                 publicKey `json:"publicKey"`
}

func NewActorDocument(a *domain.Actor) *ActorDocument {
	name := a.Name
	if name == "" {
		name = a.Username()
	}
	return &ActorDocument{
		Context:           actorContext,
		ID:                a.ActorURL,
		Type:              "Person",
		PreferredUsername: a.Username(),
		Name:              name,
		Summary:           a.Summary,
		URL:               a.ProfileURL,
		Inbox:             a.InboxURL,
		Outbox:            a.OutboxURL,
		Followers:         a.FollowersURL,
		Following:         a.FollowingURL,
		Discoverable:      true,
		Endpoints:         endpoints{SharedInbox: a.SharedInboxURL},
		PublicKey: publicKey{
			ID:           a.KeyID(),
			Owner:        a.ActorURL,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
}

func (s *Server) handleActor(c *gin.Context) {
	actor := s.localActor(c)
	if actor == nil {
		return
	}
	body, err := json.Marshal(NewActorDocument(actor))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	writeActivityJSON(c, http.StatusOK, body)
}

// handleActivity serves an activity this server minted. Remote activities are not re-served.
func (s *Server) handleActivity(c *gin.Context) {
	id := s.conf.BaseURL() + "/activities/" + c.Param("id")
	activity, err := s.db.ReadActivity(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && activity.IsRemote) {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity not found"})
		return
	}
	if err != nil {
		s.log.Error("Failed to read activity", zap.String("activity", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	body, err := activity.ToJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	writeActivityJSON(c, http.StatusOK, body)
}

// handleWorkout serves the Note a local workout was announced with.
func (s *Server) handleWorkout(c *gin.Context) {
	ctx := c.Request.Context()
	uri := s.conf.BaseURL() + "/workouts/" + c.Param("id")

	workout, err := s.db.ReadWorkoutByObjectURI(ctx, uri)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workout not found"})
		return
	}
	if err != nil {
		s.log.Error("Failed to read workout", zap.String("workout", uri), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	author, err := s.db.ReadActorById(ctx, workout.ActorId)
	if err != nil || author.IsRemote {
		c.JSON(http.StatusNotFound, gin.H{"error": "workout not found"})
		return
	}

	note, err := workouts.NoteObject(workout, author)
	if err == nil {
		note, err = withContext(note)
	}
	if err != nil {
		s.log.Error("Failed to render workout", zap.String("workout", uri), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	writeActivityJSON(c, http.StatusOK, note)
}

// withContext adds the ActivityStreams and fedletic contexts to a bare object.
func withContext(object json.RawMessage) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(object, &doc); err != nil {
		return nil, err
	}
	doc["@context"] = []any{
		domain.ActivityStreamsContext,
		map[string]string{"fedletic": domain.FedleticNamespace},
	}
	return json.Marshal(doc)
}
