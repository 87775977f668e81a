package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/activitypub"
	"github.com/deemkeen/fedletic/domain"
)

const contentTypeJRD = "application/jrd+json"

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

// webfingerUser extracts the local username from an acct: resource or an actor URL on this
// domain. ok is false for anything addressed elsewhere.
func webfingerUser(resource, sslDomain string) (string, bool) {
	if strings.HasPrefix(resource, "https://") || strings.HasPrefix(resource, "http://") {
		u, err := url.Parse(resource)
		if err != nil || !strings.EqualFold(u.Host, sslDomain) {
			return "", false
		}
		name, found := strings.CutPrefix(u.Path, "/users/")
		if !found || name == "" || strings.Contains(name, "/") {
			return "", false
		}
		return name, true
	}

	user, host, found := strings.Cut(strings.TrimPrefix(strings.TrimPrefix(resource, "acct:"), "@"), "@")
	if !found || user == "" || !strings.EqualFold(host, sslDomain) {
		return "", false
	}
	return user, true
}

func NewWebFinger(a *domain.Actor) *activitypub.WebFinger {
	return &activitypub.WebFinger{
		Subject: "acct:" + a.Webfinger,
		Aliases: []string{a.ActorURL, a.ProfileURL},
		Links: []activitypub.WebFingerLink{
			{Rel: "self", Type: activitypub.ContentTypeActivityJSON, Href: a.ActorURL},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: a.ProfileURL},
		},
	}
}

func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing resource parameter"})
		return
	}

	notFound := func() {
		c.Data(http.StatusNotFound, "application/json", []byte(GetWebFingerNotFound()))
	}

	user, ok := webfingerUser(resource, s.conf.Conf.SslDomain)
	if !ok {
		notFound()
		return
	}
	actor, err := s.dir.ResolveLocal(c.Request.Context(), user)
	if errors.Is(err, activitypub.ErrActorNotFound) {
		notFound()
		return
	}
	if err != nil {
		s.log.Error("Webfinger lookup failed", zap.String("resource", resource), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	body, err := json.Marshal(NewWebFinger(actor))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, contentTypeJRD, body)
}
