package ollama

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

	"newslens/internal/llm"
)

func TestClient_Generate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		assert.Equal(t, "json", req.Format)
		assert.InDelta(t, 0.1, req.Options.Temperature, 1e-6)
		assert.Equal(t, 1024, req.Options.NumPredict)

		_ = json.NewEncoder(w).Encode(map[string]any{"response": `{"summary":"s"}`, "done": true})
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/api", "llama3", "nomic-embed-text", time.Second)
	out, err := c.Generate(context.Background(), "prompt", llm.Options{Temperature: 0.1, NumPredict: 1024, TopP: 0.9, JSON: true})

	require.NoError(t, err)
	assert.Equal(t, `{"summary":"s"}`, out)
}

func TestClient_Generate_Errors(t *testing.T) {
	t.Run("status error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer ts.Close()

		_, err := NewClient(ts.URL, "missing", "", time.Second).Generate(context.Background(), "p", llm.Options{})
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusNotFound, se.Code)
		assert.Contains(t, se.Body, "model not found")
	})

	t.Run("empty response", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"response":"  ","done":true}`))
		}))
		defer ts.Close()

		_, err := NewClient(ts.URL, "m", "", time.Second).Generate(context.Background(), "p", llm.Options{})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("timeout", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer ts.Close()

		_, err := NewClient(ts.URL, "m", "", 20*time.Millisecond).Generate(context.Background(), "p", llm.Options{})
		assert.Error(t, err)
	})
}

func TestClient_Embed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req["model"])
		assert.Equal(t, "hello", req["input"])

		_, _ = w.Write([]byte(`{"embeddings":[[0.5,0.25,-1]]}`))
	}))
	defer ts.Close()

	vec, err := NewClient(ts.URL, "llama3", "nomic-embed-text", time.Second).Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, -1}, vec)
}

func TestClient_Embed_NoEmbeddings(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "m", "e", time.Second).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
