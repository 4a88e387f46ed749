package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"highlightsync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, issued *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		user, pass, ok := r.BasicAuth()
		if r.Form.Get("grant_type") != "client_credentials" || !ok || user != "ext" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatic(t *testing.T) {
	s := Static{ID: "device-1"}
	id, err := s.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "device-1", id)
	assert.NotNil(t, s.HTTPClient(context.Background()))

	_, err = Static{}.Identity(context.Background())
	assert.Error(t, err)
}

func TestOAuth2Identity(t *testing.T) {
	var issued atomic.Int32
	srv := tokenServer(t, &issued)

	p := NewOAuth2(config.OAuthConfig{ClientID: "ext", ClientSecret: "secret", TokenURL: srv.URL, Subject: "user-42"}, time.Second, nil)
	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)

	_, err = p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), issued.Load(), "token is cached")
}

func TestOAuth2SubjectDefaultsToClientID(t *testing.T) {
	var issued atomic.Int32
	srv := tokenServer(t, &issued)

	p := NewOAuth2(config.OAuthConfig{ClientID: "ext", ClientSecret: "secret", TokenURL: srv.URL}, time.Second, nil)
	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ext", id)
}

func TestOAuth2BadCredentials(t *testing.T) {
	var issued atomic.Int32
	srv := tokenServer(t, &issued)

	p := NewOAuth2(config.OAuthConfig{ClientID: "ext", ClientSecret: "wrong", TokenURL: srv.URL}, time.Second, nil)
	_, err := p.Identity(context.Background())
	assert.Error(t, err)
}

func TestOAuth2ClientSendsBearer(t *testing.T) {
	var issued atomic.Int32
	tokens := tokenServer(t, &issued)

	var auth atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	p := NewOAuth2(config.OAuthConfig{ClientID: "ext", ClientSecret: "secret", TokenURL: tokens.URL}, time.Second, nil)
	resp, err := p.HTTPClient(context.Background()).Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok-1", auth.Load())
}

func TestNewSelectsProvider(t *testing.T) {
	p := New(config.OAuthConfig{}, config.SyncConfig{Identity: "local"}, time.Second, nil)
	_, ok := p.(Static)
	assert.True(t, ok)

	p = New(config.OAuthConfig{ClientID: "ext", TokenURL: "http://127.0.0.1:1/token"}, config.SyncConfig{}, time.Second, nil)
	_, ok = p.(*OAuth2)
	assert.True(t, ok)
}
