package queue

import (
	"context"
	"net/http"
	"strings"

	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/upstream"
)

// HTTPReplayer replays mutations through an upstream client.
type HTTPReplayer struct {
	Client *upstream.Client
}

// Replay sends m with credential injected as a bearer token.
func (r HTTPReplayer) Replay(ctx context.Context, m models.QueuedMutation, credential string) (*upstream.Result, error) {
	h := http.Header(m.Header).Clone()
	if h == nil {
		h = http.Header{}
	}
	if credential != "" {
		if !strings.HasPrefix(strings.ToLower(credential), "bearer ") {
			credential = "Bearer " + credential
		}
		h.Set("Authorization", credential)
	}
	h.Set("X-Offline-Replay", m.ID)
	return r.Client.Do(ctx, m.Method, m.Path, h, m.Body)
}
