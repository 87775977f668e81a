package web

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/domain"
)

// outboxPageSize caps the number of activities inlined in the outbox collection.
const outboxPageSize = 20

// OrderedCollection is an ActivityStreams OrderedCollection with its items inlined.
type OrderedCollection struct {
	Context      string `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []any  `json:"orderedItems"`
}

func newOrderedCollection(id string, total int, items []any) *OrderedCollection {
	if items == nil {
		items = []any{}
	}
	return &OrderedCollection{
		Context:      domain.ActivityStreamsContext,
		ID:           id,
		Type:         "OrderedCollection",
		TotalItems:   total,
		OrderedItems: items,
	}
}

func actorURLs(actors []domain.Actor) []any {
	items := make([]any, 0, len(actors))
	for _, a := range actors {
		items = append(items, a.ActorURL)
	}
	return items
}

func (s *Server) writeCollection(c *gin.Context, collection *OrderedCollection) {
	body, err := json.Marshal(collection)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	writeActivityJSON(c, http.StatusOK, body)
}

// handleFollowers lists accepted followers only.
func (s *Server) handleFollowers(c *gin.Context) {
	actor := s.localActor(c)
	if actor == nil {
		return
	}
	followers, err := s.db.ReadFollowers(c.Request.Context(), actor.Id)
	if err != nil {
		s.log.Error("Failed to read followers", zap.String("actor", actor.Webfinger), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	s.writeCollection(c, newOrderedCollection(actor.FollowersURL, len(followers), actorURLs(followers)))
}

func (s *Server) handleFollowing(c *gin.Context) {
	actor := s.localActor(c)
	if actor == nil {
		return
	}
	following, err := s.db.ReadFollowing(c.Request.Context(), actor.Id)
	if err != nil {
		s.log.Error("Failed to read following", zap.String("actor", actor.Webfinger), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	s.writeCollection(c, newOrderedCollection(actor.FollowingURL, len(following), actorURLs(following)))
}

// handleOutbox lists the actor's public Create activities, newest first.
func (s *Server) handleOutbox(c *gin.Context) {
	actor := s.localActor(c)
	if actor == nil {
		return
	}
	ctx := c.Request.Context()

	total, err := s.db.CountOutbox(ctx, actor.Id, domain.TypeCreate)
	if err != nil {
		s.log.Error("Failed to count outbox", zap.String("actor", actor.Webfinger), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	activities, err := s.db.ReadOutbox(ctx, actor.Id, domain.TypeCreate, outboxPageSize)
	if err != nil {
		s.log.Error("Failed to read outbox", zap.String("actor", actor.Webfinger), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	items := make([]any, 0, len(activities))
	for _, a := range activities {
		raw, err := a.ToJSON()
		if err != nil {
			s.log.Warn("Skipping unrenderable activity", zap.String("activity", a.ID), zap.Error(err))
			continue
		}
		items = append(items, json.RawMessage(raw))
	}
	s.writeCollection(c, newOrderedCollection(actor.OutboxURL, total, items))
}
