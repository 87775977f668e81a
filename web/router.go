// Package web serves the federation endpoints: inboxes, actor documents, webfinger,
// collections, nodeinfo and the per-actor RSS feed.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deemkeen/fedletic/activitypub"
	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/logging"
	"github.com/deemkeen/fedletic/util"
)

const (
	maxInboxBytes   = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Server holds what the handlers need. Build it with NewServer and serve with Run.
type Server struct {
	conf     *util.AppConfig
	db       *db.DB
	dir      *activitypub.Directory
	inbox    *activitypub.Inbox
	metrics  http.Handler
	globalRL *RateLimiter
	inboxRL  *RateLimiter
	log      *zap.Logger
}

// NewServer wires the handlers. metrics may be nil, in which case /metrics is not routed.
func NewServer(conf *util.AppConfig, database *db.DB, dir *activitypub.Directory, inbox *activitypub.Inbox, metrics http.Handler) *Server {
	return &Server{
		conf:     conf,
		db:       database,
		dir:      dir,
		inbox:    inbox,
		metrics:  metrics,
		globalRL: NewRateLimiter(rate.Limit(10), 20), // 10 req/sec, burst of 20
		inboxRL:  NewRateLimiter(rate.Limit(5), 10),  // 5 req/sec, burst of 10
		log:      logging.WithComponent("web"),
	}
}

func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(s.globalRL))

	inboxLimits := []gin.HandlerFunc{RateLimitMiddleware(s.inboxRL), MaxBytesMiddleware(maxInboxBytes)}

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	g.GET("/nodeinfo/2.0", s.handleNodeInfo)

	g.POST("/inbox", append(inboxLimits, s.handleSharedInbox)...)

	users := g.Group("/users/:name")
	users.GET("", s.handleActor)
	users.POST("/inbox", append(inboxLimits, s.handleActorInbox)...)
	users.GET("/followers", s.handleFollowers)
	users.GET("/following", s.handleFollowing)
	users.GET("/outbox", s.handleOutbox)
	users.GET("/feed", s.handleFeed)

	g.GET("/activities/:id", s.handleActivity)
	g.GET("/workouts/:id", s.handleWorkout)

	if s.metrics != nil {
		g.GET("/metrics", gin.WrapH(s.metrics))
	}

	return g
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.globalRL.Cleanup(ctx, 5*time.Minute)
	go s.inboxRL.Cleanup(ctx, 5*time.Minute)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("addr", srv.Addr), zap.String("domain", s.conf.Conf.SslDomain))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// localActor resolves the :name path parameter. It writes a 404 and returns nil when the
// actor is unknown.
func (s *Server) localActor(c *gin.Context) *domain.Actor {
	actor, err := s.dir.ResolveLocal(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, activitypub.ErrActorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
		} else {
			s.log.Error("Failed to resolve local actor", zap.String("name", c.Param("name")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return nil
	}
	return actor
}

func (s *Server) handleActorInbox(c *gin.Context) {
	actor, err := s.dir.ResolveLocal(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, activitypub.ErrActorNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown actor"})
			return
		}
		s.log.Error("Failed to resolve inbox owner", zap.String("name", c.Param("name")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	s.inbox.HandleInbox(c.Writer, c.Request, actor)
}

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.inbox.HandleInbox(c.Writer, c.Request, nil)
}

func writeActivityJSON(c *gin.Context, status int, body []byte) {
	c.Data(status, activitypub.ContentTypeActivityJSON, body)
}
