package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/util"
)

const nodeInfoSchema = "http://nodeinfo.diaspora.software/ns/schema/2.0"

type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             NodeInfoUsage    `json:"usage"`
	Metadata          map[string]any   `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users struct {
		Total int `json:"total"`
	} `json:"users"`
	LocalPosts int `json:"localPosts"`
}

func (s *Server) handleNodeInfoDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"links": []gin.H{{
			"rel":  nodeInfoSchema,
			"href": s.conf.BaseURL() + "/nodeinfo/2.0",
		}},
	})
}

func (s *Server) handleNodeInfo(c *gin.Context) {
	ctx := c.Request.Context()
	info := NodeInfo{
		Version:           "2.0",
		Software:          NodeInfoSoftware{Name: util.Name, Version: util.GetVersion()},
		Protocols:         []string{"activitypub"},
		Services:          NodeInfoServices{Inbound: []string{}, Outbound: []string{"rss2.0"}},
		OpenRegistrations: s.conf.Conf.OpenRegistrations,
		Metadata:          map[string]any{"nodeName": s.conf.Conf.SslDomain},
	}

	users, err := s.db.CountLocalActors(ctx)
	if err != nil {
		s.log.Error("Failed to count local actors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	info.Usage.Users.Total = users

	actors, err := s.db.ReadLocalActors(ctx)
	if err != nil {
		s.log.Error("Failed to read local actors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	for _, a := range actors {
		n, err := s.db.CountOutbox(ctx, a.Id, domain.TypeCreate)
		if err != nil {
			s.log.Error("Failed to count posts", zap.String("actor", a.Webfinger), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		info.Usage.LocalPosts += n
	}

	c.Header("Content-Type", `application/json; profile="`+nodeInfoSchema+`#"`)
	c.JSON(http.StatusOK, info)
}
