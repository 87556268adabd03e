package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codectx/internal/core"
)

func TestSynthesize(t *testing.T) {
	var gotKey, gotVersion string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{
				{"type": "text", "text": "part one "},
				{"type": "text", "text": "part two"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-123", "claude-sonnet", 2*time.Second, nil)
	text, err := c.Synthesize(context.Background(), "system prompt", "user prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "part one part two", text)
	assert.Equal(t, "key-123", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "system prompt", gotBody["system"])
	assert.NotZero(t, gotBody["max_tokens"])
}

func TestOverloadedClassifiesUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "claude-sonnet", time.Second, nil)
	_, err := c.Synthesize(context.Background(), "", "user", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnavailable))
}

func TestEmptyContentIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"content": []interface{}{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "claude-sonnet", time.Second, nil)
	_, err := c.Synthesize(context.Background(), "", "user", nil)
	require.Error(t, err)
}
