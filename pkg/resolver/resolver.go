// Package resolver decides what a failed chat request gets instead of
// a live answer: a previously generated response, a canned template,
// or a place in the mutation queue.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pario-ai/offlinekit/pkg/fingerprint"
	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/store"
	"github.com/pario-ai/offlinekit/pkg/templates"
)

// ErrNoMatch means neither the generated cache nor a template answered.
var ErrNoMatch = errors.New("resolver: no offline answer")

// Enqueuer accepts requests for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, req models.MutationRequest) (models.QueuedMutation, int64, error)
}

// Notifier receives resolver events.
type Notifier interface {
	Notify(models.Event)
}

// Config bounds the generated-response cache and shapes synthesized output.
type Config struct {
	MaxGenerated  int
	GeneratedTTL  time.Duration
	ChunkSize     int
	OfflinePrefix string
}

// Resolution is the outcome for one failed chat request.
type Resolution struct {
	Provenance models.Provenance
	// Text is the full answer for generated and template resolutions.
	Text     string
	Category string
	Queued   *models.QueuedMutation
	Count    int64
}

// Resolver implements the generated → template → queue chain.
type Resolver struct {
	store    *store.Store
	queue    Enqueuer
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates a Resolver.
func New(st *store.Store, q Enqueuer, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 24
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, queue: q, cfg: cfg, logger: logger}
}

// SetNotifier replaces the event receiver.
func (r *Resolver) SetNotifier(n Notifier) { r.notifier = n }

// ChunkSize returns the configured synthesis chunk size in runes.
func (r *Resolver) ChunkSize() int { return r.cfg.ChunkSize }

// Lookup tries the generated cache, then the templates. It returns
// ErrNoMatch when neither applies.
func (r *Resolver) Lookup(ctx context.Context, prompt string) (Resolution, error) {
	if prompt != "" {
		if g, ok := r.store.GetGenerated(ctx, fingerprint.Prompt(prompt), r.cfg.GeneratedTTL); ok {
			return Resolution{Provenance: models.ProvenanceGenerated, Text: g.Response}, nil
		}

		set, err := r.store.ListTemplates(ctx)
		if err != nil {
			r.logger.Warn("template cache unreadable, skipping templates", "error", err)
		}
		if m, ok := templates.Find(prompt, set); ok {
			r.notify(models.Event{Kind: models.EventOfflineTemplateServed, Category: m.Template.Category})
			return Resolution{
				Provenance: models.ProvenanceTemplate,
				Text:       r.cfg.OfflinePrefix + m.Template.Body,
				Category:   m.Template.Category,
			}, nil
		}
	}
	return Resolution{}, ErrNoMatch
}

// Resolve runs the full chain for a chat request that could not reach
// the server. Exactly one of generated, template or queued results.
func (r *Resolver) Resolve(ctx context.Context, req models.MutationRequest) (Resolution, error) {
	prompt := ExtractPrompt(req.Body)
	res, err := r.Lookup(ctx, prompt)
	if err == nil {
		r.logger.Info("chat answered offline", "provenance", res.Provenance, "category", res.Category)
		return res, nil
	}

	m, count, err := r.queue.Enqueue(ctx, req)
	if err != nil {
		return Resolution{}, fmt.Errorf("queue chat request: %w", err)
	}
	return Resolution{Provenance: models.ProvenanceQueued, Queued: &m, Count: count}, nil
}

// Capture stores a live answer under its prompt fingerprint.
func (r *Resolver) Capture(ctx context.Context, prompt, response string) error {
	if prompt == "" || response == "" {
		return nil
	}
	err := r.store.PutGenerated(ctx, models.GeneratedResponse{
		PromptHash: fingerprint.Prompt(prompt),
		Prompt:     prompt,
		Response:   response,
	}, r.cfg.MaxGenerated)
	if err != nil {
		return fmt.Errorf("capture generated response: %w", err)
	}
	return nil
}

func (r *Resolver) notify(ev models.Event) {
	if r.notifier != nil {
		r.notifier.Notify(ev)
	}
}
