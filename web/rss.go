package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/util"
)

const feedSize = 50

// GetRSS renders an actor's workouts as an RSS 2.0 feed.
func GetRSS(actor *domain.Actor, workouts []domain.Workout, now time.Time) (string, error) {
	name := actor.Name
	if name == "" {
		name = actor.Username()
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s workouts - %s", util.Name, name),
		Link:        &feeds.Link{Href: actor.ProfileURL},
		Description: fmt.Sprintf("Workouts published by %s", actor.Webfinger),
		Author:      &feeds.Author{Name: name, Email: actor.Webfinger},
		Created:     now,
	}

	for _, w := range workouts {
		title := w.Name
		if title == "" {
			title = w.StartTime.Format(time.DateTime)
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          w.ObjectURI,
			Title:       title,
			Link:        &feeds.Link{Href: w.ObjectURI},
			Description: w.Describe(),
			Author:      &feeds.Author{Name: name, Email: actor.Webfinger},
			Created:     w.StartTime,
		})
	}

	return feed.ToRss()
}

func (s *Server) handleFeed(c *gin.Context) {
	actor := s.localActor(c)
	if actor == nil {
		return
	}
	workouts, err := s.db.ReadWorkoutsByActor(c.Request.Context(), actor.Id, feedSize)
	if err != nil {
		s.log.Error("Failed to read workouts", zap.String("actor", actor.Webfinger), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	rss, err := GetRSS(actor, workouts, time.Now())
	if err != nil {
		s.log.Error("Failed to render feed", zap.String("actor", actor.Webfinger), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
