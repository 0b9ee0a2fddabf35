// Package channel is the message protocol between foreground clients
// and the background layer, carried over WebSocket connections.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/queue"
)

// Controller executes foreground commands.
type Controller interface {
	QueueStatus(ctx context.Context) int64
	RequestDrain(ctx context.Context, credential string) error
	PrimeTemplates(ctx context.Context) (int, error)
	CacheGeneratedResponse(ctx context.Context, prompt, response string) error
	ClearOnLogout(ctx context.Context) error
}

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub tracks connected foreground clients.
type Hub struct {
	version string
	logger  *slog.Logger

	mu      sync.Mutex
	ctrl    Controller
	origins []string
	clients map[*client]struct{}
	pending map[string]chan string
}

// NewHub creates a Hub for the running background version.
func NewHub(version string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		version: version,
		logger:  logger,
		clients: make(map[*client]struct{}),
		pending: make(map[string]chan string),
	}
}

// SetController sets the command handler.
func (h *Hub) SetController(c Controller) {
	h.mu.Lock()
	h.ctrl = c
	h.mu.Unlock()
}

// AllowOrigins sets the browser origins, besides the proxy's own, that
// may open the channel. "*" allows any origin.
func (h *Hub) AllowOrigins(origins ...string) {
	normalized := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			normalized = append(normalized, o)
		}
	}
	h.mu.Lock()
	h.origins = normalized
	h.mu.Unlock()
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-origin pages and configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	want := normalizeOrigin(origin)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range h.origins {
		if o == "*" || o == want {
			return true
		}
	}
	h.logger.Warn("channel origin rejected", "origin", origin, "allowed", h.origins)
	return false
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(o), "/"))
}

// Clients returns the number of connected foreground clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept channel connection", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, c)
	}()

	h.readLoop(ctx, c)
	cancel()
	wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("foreground connected", "clients", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("foreground disconnected", "clients", n)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Debug("channel read failed", "error", err)
			}
			return
		}
		if reply := h.dispatch(ctx, msg); reply != nil {
			h.enqueue(c, *reply)
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				h.logger.Debug("channel write failed", "error", err)
				return
			}
		}
	}
}

// enqueue hands msg to the client's writer without blocking.
func (h *Hub) enqueue(c *client, msg Message) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("channel client too slow, dropping message", "type", msg.Type)
	}
}

func (h *Hub) broadcast(msg Message) int {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		h.enqueue(c, msg)
	}
	return len(targets)
}

// Notify pushes an engine event to every connected client.
func (h *Hub) Notify(ev models.Event) {
	msg, err := FromEvent(ev)
	if err != nil {
		h.logger.Warn("dropping unknown event", "error", err)
		return
	}
	h.broadcast(msg)
}

// RequestCredential asks the connected clients for a one-shot
// credential and returns the first reply. With no client connected it
// returns queue.ErrNoCredential at once; otherwise it waits until ctx ends.
func (h *Hub) RequestCredential(ctx context.Context) (string, error) {
	id := uuid.NewString()
	reply := make(chan string, 1)

	h.mu.Lock()
	h.pending[id] = reply
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if h.broadcast(Message{Type: KindCredentialRequest, ID: id}) == 0 {
		return "", queue.ErrNoCredential
	}

	select {
	case cred := <-reply:
		if cred == "" {
			return "", queue.ErrNoCredential
		}
		return cred, nil
	case <-ctx.Done():
		return "", errors.Join(queue.ErrNoCredential, ctx.Err())
	}
}

func (h *Hub) deliverCredential(replyTo, cred string) bool {
	h.mu.Lock()
	ch, ok := h.pending[replyTo]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- cred:
	default:
	}
	return true
}

func (h *Hub) controller() Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctrl
}

// dispatch handles one inbound message and returns the reply, if any.
func (h *Hub) dispatch(ctx context.Context, msg Message) *Message {
	if !msg.Type.Inbound() {
		return h.errorReply(msg, "unknown message type "+string(msg.Type))
	}
	if msg.Type == KindCredentialReply {
		var p CredentialReply
		if err := msg.Decode(&p); err != nil {
			return h.errorReply(msg, err.Error())
		}
		if !h.deliverCredential(msg.ReplyTo, p.Credential) {
			h.logger.Debug("credential reply for unknown or expired request", "reply_to", msg.ReplyTo)
		}
		return nil
	}
	if msg.Type == KindHello {
		var p Hello
		if err := msg.Decode(&p); err != nil {
			return h.errorReply(msg, err.Error())
		}
		if p.Version != "" && p.Version != h.version {
			reply, _ := NewMessage(KindUpdateAvailable, UpdateAvailable{Version: h.version})
			reply.ReplyTo = msg.ID
			return &reply
		}
		return h.reply(msg, KindAck, Ack{})
	}

	ctrl := h.controller()
	if ctrl == nil {
		return h.errorReply(msg, "background layer not ready")
	}

	switch msg.Type {
	case KindGetQueueStatus:
		return h.reply(msg, KindQueueStatus, QueueStatus{Count: ctrl.QueueStatus(ctx)})

	case KindRequestDrain:
		var p RequestDrain
		if err := msg.Decode(&p); err != nil {
			return h.errorReply(msg, err.Error())
		}
		if err := ctrl.RequestDrain(ctx, p.Credential); err != nil {
			return h.errorReply(msg, err.Error())
		}
		return h.reply(msg, KindAck, Ack{})

	case KindPrimeTemplates:
		n, err := ctrl.PrimeTemplates(ctx)
		if err != nil {
			return h.errorReply(msg, err.Error())
		}
		return h.reply(msg, KindAck, Ack{Result: map[string]int{"templates": n}})

	case KindCacheGeneratedResponse:
		var p CacheGenerated
		if err := msg.Decode(&p); err != nil {
			return h.errorReply(msg, err.Error())
		}
		if err := ctrl.CacheGeneratedResponse(ctx, p.Prompt, p.Response); err != nil {
			return h.errorReply(msg, err.Error())
		}
		return h.reply(msg, KindAck, Ack{})

	case KindClearOnLogout:
		if err := ctrl.ClearOnLogout(ctx); err != nil {
			return h.errorReply(msg, err.Error())
		}
		return h.reply(msg, KindAck, Ack{})
	}
	return h.errorReply(msg, "unhandled message type "+string(msg.Type))
}

func (h *Hub) reply(to Message, kind Kind, payload any) *Message {
	msg, err := NewMessage(kind, payload)
	if err != nil {
		return h.errorReply(to, err.Error())
	}
	msg.ReplyTo = to.ID
	return &msg
}

func (h *Hub) errorReply(to Message, text string) *Message {
	msg, _ := NewMessage(KindError, Error{Message: text})
	msg.ReplyTo = to.ID
	return &msg
}
