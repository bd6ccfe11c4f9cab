package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendNotConfigured(t *testing.T) {
	n := NewTelegram("", "chat")
	assert.False(t, n.Enabled())
	assert.ErrorIs(t, n.Send(context.Background(), "hi"), ErrNotConfigured)
}

func TestSendPostsToBotAPI(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegram("tok", "42")
	n.BaseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), "disk full"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "disk full", body["text"])
}

func TestSendReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	n := NewTelegram("bad", "42")
	n.BaseURL = srv.URL
	err := n.Send(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestUpdateSwapsCredentials(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer srv.Close()

	n := NewTelegram("", "")
	n.BaseURL = srv.URL
	require.ErrorIs(t, n.Send(context.Background(), "x"), ErrNotConfigured)

	n.Update("new", "7")
	assert.True(t, n.Enabled())
	assert.Equal(t, "7", n.ChatID())
	require.NoError(t, n.Send(context.Background(), "x"))
	assert.Equal(t, "/botnew/sendMessage", path)

	n.Update("", "")
	assert.False(t, n.Enabled())
}
