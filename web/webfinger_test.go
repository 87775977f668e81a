package web

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deemkeen/fedletic/activitypub"
)

func TestGetWebFingerNotFound(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(GetWebFingerNotFound()), &doc))
	assert.Equal(t, "Not Found", doc["detail"])
}

func TestWebfingerUser(t *testing.T) {
	tests := []struct {
		resource string
		want     string
		ok       bool
	}{
		{"acct:alice@example.com", "alice", true},
		{"alice@example.com", "alice", true},
		{"@alice@EXAMPLE.com", "alice", true},
		{"https://example.com/users/alice", "alice", true},
		{"acct:alice@other.org", "", false},
		{"acct:alice", "", false},
		{"acct:@example.com", "", false},
		{"https://other.org/users/alice", "", false},
		{"https://example.com/users/alice/inbox", "", false},
		{"https://example.com/@alice", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			got, ok := webfingerUser(tt.resource, "example.com")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebfingerEndpoint(t *testing.T) {
	f := newFixture(t)
	alice := f.localActor(t, "alice")
	f.remoteActor(t, "bob")

	for _, resource := range []string{"acct:alice@example.com", alice.ActorURL} {
		w := f.get(t, "/.well-known/webfinger?resource="+url.QueryEscape(resource))
		require.Equal(t, http.StatusOK, w.Code, resource)
		assert.Equal(t, contentTypeJRD, w.Header().Get("Content-Type"))

		var wf activitypub.WebFinger
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wf))
		assert.Equal(t, "acct:alice@example.com", wf.Subject)
		assert.Equal(t, alice.ActorURL, wf.SelfLink())
		assert.Contains(t, wf.Aliases, alice.ActorURL)
	}

	for _, resource := range []string{"acct:nobody@example.com", "acct:bob@remote.example", "acct:bob@example.com"} {
		w := f.get(t, "/.well-known/webfinger?resource="+url.QueryEscape(resource))
		assert.Equal(t, http.StatusNotFound, w.Code, resource)
		assert.JSONEq(t, GetWebFingerNotFound(), w.Body.String())
	}

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/.well-known/webfinger").Code)
}
