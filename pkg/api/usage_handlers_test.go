package api

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/pkg/usage"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (c *captureRecorder) Record(event usage.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func TestRecordUsageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	captured := &captureRecorder{}
	env.server.recorder = captured

	env.seedUser(t, "alice", "password123", []string{"chat"})
	session := env.login(t, "alice", "password123", nil)

	rec := env.request(t, http.MethodPost, "/v1/usage", session.Token, recordUsageRequest{
		APIType:      "chat",
		Model:        "gpt-4o",
		PromptTokens: 100, CompletionTokens: 50,
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, captured.events, 1)
	ev := captured.events[0]
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, "gpt-4o", ev.Model)
	// Total is derived when the caller does not supply one.
	assert.Equal(t, int64(150), ev.TotalTokens)

	t.Run("requires token", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/usage", "", recordUsageRequest{
			APIType: "chat", Model: "gpt-4o",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("requires fields", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/usage", session.Token, recordUsageRequest{
			Model: "gpt-4o",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
