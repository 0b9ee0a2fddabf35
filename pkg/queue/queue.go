// Package queue is the durable FIFO of write requests that could not
// reach the server, and the replay protocol that drains it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pario-ai/offlinekit/pkg/clock"
	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/store"
	"github.com/pario-ai/offlinekit/pkg/upstream"
)

// ErrNoCredential is returned by a CredentialSource that has nothing to give.
var ErrNoCredential = errors.New("queue: no credential available")

// CredentialSource hands out a one-shot bearer credential for replay.
type CredentialSource interface {
	RequestCredential(ctx context.Context) (string, error)
}

// Notifier receives queue events.
type Notifier interface {
	Notify(models.Event)
}

// Replayer re-issues a queued mutation against the server.
type Replayer interface {
	Replay(ctx context.Context, m models.QueuedMutation, credential string) (*upstream.Result, error)
}

// DeadLetterSink keeps mutations the server definitively rejected.
type DeadLetterSink interface {
	Record(ctx context.Context, d models.DeadLetter) error
}

// Headers never written to durable storage.
var credentialHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie"}

// maxEventBody bounds response bodies carried in notifications.
const maxEventBody = 4096

// Queue is the mutation queue over an explicit store.
type Queue struct {
	store       *store.Store
	replayer    Replayer
	creds       CredentialSource
	notifier    Notifier
	dead        DeadLetterSink
	credTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	drainMu sync.Mutex
	// gen changes on every Clear; a drain that sees it move stops
	// before replaying entries that belonged to the cleared queue.
	gen atomic.Uint64
}

// Options configures the optional collaborators of a Queue.
type Options struct {
	Credentials       CredentialSource
	Notifier          Notifier
	DeadLetters       DeadLetterSink
	CredentialTimeout time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
}

// New creates a Queue persisting into st and replaying through rp.
func New(st *store.Store, rp Replayer, opts Options) *Queue {
	q := &Queue{
		store:       st,
		replayer:    rp,
		creds:       opts.Credentials,
		notifier:    opts.Notifier,
		dead:        opts.DeadLetters,
		credTimeout: opts.CredentialTimeout,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if q.clock == nil {
		q.clock = clock.Real()
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.credTimeout <= 0 {
		q.credTimeout = 3 * time.Second
	}
	return q
}

// SetNotifier replaces the event receiver.
func (q *Queue) SetNotifier(n Notifier) { q.notifier = n }

// SetCredentialSource replaces the credential source.
func (q *Queue) SetCredentialSource(c CredentialSource) { q.creds = c }

// Enqueue persists req with credentials stripped and returns the stored
// entry and the new queue depth. It does not wait for delivery.
func (q *Queue) Enqueue(ctx context.Context, req models.MutationRequest) (models.QueuedMutation, int64, error) {
	m := models.QueuedMutation{
		ID:         uuid.NewString(),
		Method:     req.Method,
		Path:       req.Path,
		Header:     Redact(req.Header),
		Body:       req.Body,
		EnqueuedAt: q.clock.Now(),
	}
	seq, err := q.store.AppendMutation(ctx, m)
	if err != nil {
		return m, 0, fmt.Errorf("enqueue %s %s: %w", req.Method, req.Path, err)
	}
	m.Seq = seq

	count := q.Count(ctx)
	q.logger.Info("mutation queued", "id", m.ID, "method", m.Method, "path", m.Path, "count", count)
	q.notify(models.Event{Kind: models.EventQueueUpdated, Count: count})
	return m, count, nil
}

// Redact copies h without credential headers.
func Redact(h http.Header) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vals := range h {
		out[k] = append([]string(nil), vals...)
	}
	for _, k := range credentialHeaders {
		out.Del(k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeAuth
	outcomeRejected
	outcomeRetry
)

// classify maps a replay result to what happens to the entry.
func classify(err error, status int) outcome {
	switch {
	case err != nil:
		return outcomeRetry
	case status >= 200 && status < 300:
		return outcomeSent
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return outcomeAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly || status == http.StatusTooManyRequests:
		return outcomeRetry
	case status >= 400 && status < 500:
		return outcomeRejected
	default:
		return outcomeRetry
	}
}

// DrainOnce replays every queued mutation in insertion order. Each
// entry is attempted independently; entries that fail stay queued in
// their original position. A non-empty credential is used for every
// entry; otherwise one is requested from the credential source.
// Concurrent calls are serialized.
func (q *Queue) DrainOnce(ctx context.Context, credential string) (models.DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res models.DrainResult
	gen := q.gen.Load()
	entries, err := q.store.ListMutations(ctx)
	if err != nil {
		q.logger.Error("mutation queue unreadable, treating as empty", "error", err)
		entries = nil
	}

	asked := credential != ""
	for _, m := range entries {
		if ctx.Err() != nil {
			break
		}
		if !asked {
			credential = q.requestCredential(ctx)
			asked = true
		}
		if q.gen.Load() != gen {
			q.logger.Info("queue cleared during drain, abandoning pass")
			break
		}
		res.Attempted++

		result, err := q.replayer.Replay(ctx, m, credential)
		status := 0
		if result != nil {
			status = result.StatusCode
		}

		switch classify(err, status) {
		case outcomeSent:
			if err := q.store.DeleteMutation(ctx, m.Seq); err != nil {
				q.logger.Error("failed to remove replayed mutation", "id", m.ID, "error", err)
			}
			res.Sent++
			q.notify(models.Event{
				Kind:   models.EventItemSent,
				ItemID: m.ID,
				Method: m.Method,
				Path:   m.Path,
				Status: status,
				Body:   truncate(result.Body),
			})

		case outcomeAuth:
			res.Failed++
			q.recordAttempt(ctx, m, fmt.Sprintf("status %d", status))
			q.logger.Warn("replay rejected credential", "id", m.ID, "path", m.Path, "status", status)
			q.notify(models.Event{Kind: models.EventAuthError, ItemID: m.ID, Method: m.Method, Path: m.Path, Status: status})

		case outcomeRejected:
			res.Rejected++
			q.reject(ctx, m, result)

		case outcomeRetry:
			res.Failed++
			reason := fmt.Sprintf("status %d", status)
			if err != nil {
				reason = err.Error()
			}
			q.recordAttempt(ctx, m, reason)
			q.logger.Debug("replay failed, keeping entry", "id", m.ID, "path", m.Path, "reason", reason)
		}
	}

	res.Remaining = q.Count(ctx)
	q.notify(models.Event{Kind: models.EventQueueUpdated, Count: res.Remaining})
	if res.Attempted > 0 {
		q.logger.Info("queue drained", "attempted", res.Attempted, "sent", res.Sent,
			"rejected", res.Rejected, "failed", res.Failed, "remaining", res.Remaining)
	}
	return res, nil
}

func (q *Queue) requestCredential(ctx context.Context) string {
	if q.creds == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, q.credTimeout)
	defer cancel()
	cred, err := q.creds.RequestCredential(ctx)
	if err != nil {
		q.logger.Debug("no credential for replay, continuing without", "error", err)
		return ""
	}
	return cred
}

func (q *Queue) recordAttempt(ctx context.Context, m models.QueuedMutation, reason string) {
	m.Attempts++
	m.LastError = reason
	if err := q.store.UpdateMutation(ctx, m); err != nil {
		q.logger.Warn("failed to record replay attempt", "id", m.ID, "error", err)
	}
}

// reject moves m to the dead-letter log. The entry is only removed from
// the queue once the dead letter is safely recorded.
func (q *Queue) reject(ctx context.Context, m models.QueuedMutation, result *upstream.Result) {
	m.Attempts++
	if q.dead != nil {
		err := q.dead.Record(ctx, models.DeadLetter{
			Mutation:   m,
			StatusCode: result.StatusCode,
			Response:   truncate(result.Body),
			RejectedAt: q.clock.Now(),
		})
		if err != nil {
			q.logger.Error("failed to record dead letter, keeping entry", "id", m.ID, "error", err)
			q.recordAttempt(ctx, m, fmt.Sprintf("status %d", result.StatusCode))
			return
		}
	}
	if err := q.store.DeleteMutation(ctx, m.Seq); err != nil {
		q.logger.Error("failed to remove rejected mutation", "id", m.ID, "error", err)
	}
	q.logger.Warn("mutation rejected by server", "id", m.ID, "path", m.Path, "status", result.StatusCode)
	q.notify(models.Event{
		Kind:   models.EventItemRejected,
		ItemID: m.ID,
		Method: m.Method,
		Path:   m.Path,
		Status: result.StatusCode,
		Body:   truncate(result.Body),
	})
}

// Count returns the queue depth. Read errors count as empty.
func (q *Queue) Count(ctx context.Context) int64 {
	n, err := q.store.CountMutations(ctx)
	if err != nil {
		q.logger.Error("mutation queue unreadable, reporting empty", "error", err)
		return 0
	}
	return n
}

// List returns the queued mutations in replay order.
func (q *Queue) List(ctx context.Context) ([]models.QueuedMutation, error) {
	return q.store.ListMutations(ctx)
}

// Clear empties the queue. A drain in progress stops before its next replay.
func (q *Queue) Clear(ctx context.Context) error {
	q.gen.Add(1)
	if err := q.store.ClearMutations(ctx); err != nil {
		return err
	}
	q.notify(models.Event{Kind: models.EventQueueUpdated, Count: 0})
	return nil
}

func (q *Queue) notify(ev models.Event) {
	if q.notifier != nil {
		q.notifier.Notify(ev)
	}
}

// truncate bounds b to maxEventBody bytes without splitting a rune.
func truncate(b []byte) string {
	if len(b) <= maxEventBody {
		return string(b)
	}
	cut := maxEventBody
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut])
}
