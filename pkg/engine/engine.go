// Package engine wires the offline components together and executes
// the commands foreground clients send over the channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	cachepkg "github.com/pario-ai/offlinekit/pkg/cache/sqlite"
	"github.com/pario-ai/offlinekit/pkg/channel"
	"github.com/pario-ai/offlinekit/pkg/clock"
	"github.com/pario-ai/offlinekit/pkg/config"
	"github.com/pario-ai/offlinekit/pkg/deadletter"
	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/queue"
	"github.com/pario-ai/offlinekit/pkg/resolver"
	"github.com/pario-ai/offlinekit/pkg/router"
	"github.com/pario-ai/offlinekit/pkg/snapshot"
	"github.com/pario-ai/offlinekit/pkg/store"
	"github.com/pario-ai/offlinekit/pkg/templates"
	"github.com/pario-ai/offlinekit/pkg/trigger"
	"github.com/pario-ai/offlinekit/pkg/upstream"
)

// Options overrides collaborators for tests and one-shot commands.
type Options struct {
	Clock      clock.Clock
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Notifier receives every event in addition to connected clients.
	Notifier queue.Notifier
}

// Engine owns the store, cache, queue, resolver, trigger and channel hub.
type Engine struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *slog.Logger

	store    *store.Store
	cache    *cachepkg.Cache
	dead     *deadletter.Log
	client   *upstream.Client
	router   *router.Router
	queue    *queue.Queue
	resolver *resolver.Resolver
	trigger  *trigger.Trigger
	hub      *channel.Hub
	extra    queue.Notifier

	mu          sync.Mutex
	pendingCred string
}

// New opens storage at cfg.DBPath and builds every component. Nothing
// runs in the background until Start.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{cfg: cfg, clock: opts.Clock, logger: opts.Logger, extra: opts.Notifier}

	rt, err := router.New(cfg.Router.Rules, router.WithConversationsPath(cfg.Proxy.ConversationsPath))
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	e.router = rt

	client, err := upstream.New(cfg.Upstream.URL, cfg.Upstream.Timeout)
	if err != nil {
		return nil, err
	}
	if opts.HTTPClient != nil {
		client = client.WithHTTPClient(opts.HTTPClient)
	}
	e.client = client

	e.store, err = store.Open(cfg.DBPath, store.WithClock(opts.Clock), store.WithLogger(opts.Logger))
	if err != nil {
		return nil, err
	}
	e.cache, err = cachepkg.New(cfg.DBPath, cachepkg.Options{
		Namespace:  cfg.Version,
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Compress:   cfg.Cache.Compress,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})
	if err != nil {
		e.store.Close()
		return nil, err
	}
	e.dead, err = deadletter.New(deadletter.Options{
		DBPath:        cfg.DBPath,
		RetentionDays: cfg.DeadLetter.RetentionDays,
		MaxBodySize:   64 * 1024,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
	})
	if err != nil {
		e.cache.Close()
		e.store.Close()
		return nil, err
	}

	e.hub = channel.NewHub(cfg.Version, opts.Logger)
	e.hub.AllowOrigins(cfg.Proxy.AllowedOrigins...)
	e.hub.SetController(e)

	e.queue = queue.New(e.store, queue.HTTPReplayer{Client: client}, queue.Options{
		Credentials:       e.hub,
		Notifier:          e,
		DeadLetters:       e.dead,
		CredentialTimeout: cfg.Queue.CredentialTimeout,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
	})

	e.resolver = resolver.New(e.store, e.queue, resolver.Config{
		MaxGenerated:  cfg.Resolver.MaxGenerated,
		GeneratedTTL:  cfg.Resolver.GeneratedTTL,
		ChunkSize:     cfg.Resolver.ChunkSize,
		OfflinePrefix: cfg.Resolver.OfflinePrefix,
	}, opts.Logger)
	e.resolver.SetNotifier(e)

	e.trigger = trigger.New(trigger.Config{
		Debounce:         cfg.Trigger.Debounce,
		PeriodicInterval: cfg.Trigger.PeriodicInterval,
		ProbeInterval:    cfg.Trigger.ProbeInterval,
	}, trigger.Hooks{
		Drain:   e.drain,
		Refresh: e.refresh,
		Probe:   e.probe,
	}, opts.Clock, opts.Logger)

	return e, nil
}

// Accessors for the HTTP and CLI adapters.
func (e *Engine) Config() *config.Config { return e.cfg }
func (e *Engine) Store() *store.Store { return e.store }
func (e *Engine) Cache() *cachepkg.Cache { return e.cache }
func (e *Engine) DeadLetters() *deadletter.Log { return e.dead }
func (e *Engine) Client() *upstream.Client { return e.client }
func (e *Engine) Router() *router.Router { return e.router }
func (e *Engine) Queue() *queue.Queue { return e.queue }
func (e *Engine) Resolver() *resolver.Resolver { return e.resolver }
func (e *Engine) Trigger() *trigger.Trigger { return e.trigger }
func (e *Engine) Hub() *channel.Hub { return e.hub }
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Start activates the cache namespace, seeds templates on first run and
// starts the periodic and probe loops.
func (e *Engine) Start(ctx context.Context) error {
	purged, err := e.cache.Activate(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		e.logger.Info("purged cache entries from older versions", "entries", purged, "version", e.cfg.Version)
		e.Notify(models.Event{Kind: models.EventUpdateAvailable, Version: e.cfg.Version})
	}

	n, err := e.store.CountTemplates(ctx)
	if err != nil {
		return fmt.Errorf("count templates: %w", err)
	}
	if n == 0 {
		if _, err := e.seedTemplates(ctx); err != nil {
			return err
		}
	}

	e.trigger.Start(ctx)
	return nil
}

// Close stops background work and releases storage.
func (e *Engine) Close() error {
	e.trigger.Stop()
	return errors.Join(e.dead.Close(), e.cache.Close(), e.store.Close())
}

// Notify fans an event out to connected clients and the extra notifier.
func (e *Engine) Notify(ev models.Event) {
	e.hub.Notify(ev)
	if e.extra != nil {
		e.extra.Notify(ev)
	}
}

// QueueStatus returns the number of queued mutations.
func (e *Engine) QueueStatus(ctx context.Context) int64 {
	return e.queue.Count(ctx)
}

// RequestDrain schedules an explicit drain. A non-empty credential is
// held in memory for the next drain pass only.
func (e *Engine) RequestDrain(_ context.Context, credential string) error {
	if credential != "" {
		e.mu.Lock()
		e.pendingCred = credential
		e.mu.Unlock()
	}
	e.trigger.Fire(trigger.SourceExplicit)
	return nil
}

// DrainNow runs one drain pass synchronously, bypassing the debouncer.
func (e *Engine) DrainNow(ctx context.Context, credential string) (models.DrainResult, error) {
	return e.queue.DrainOnce(ctx, credential)
}

func (e *Engine) drain(ctx context.Context) {
	e.mu.Lock()
	cred := e.pendingCred
	e.pendingCred = ""
	e.mu.Unlock()

	if _, err := e.queue.DrainOnce(ctx, cred); err != nil {
		e.logger.Error("drain failed", "error", err)
	}
}

func (e *Engine) probe(ctx context.Context) bool {
	return e.client.Probe(ctx, e.cfg.Trigger.ProbePath)
}

// Wake fires a trigger from an external signal.
func (e *Engine) Wake(src trigger.Source) {
	e.trigger.Fire(src)
}

// CacheGeneratedResponse stores a prompt/response pair the foreground
// produced while online.
func (e *Engine) CacheGeneratedResponse(ctx context.Context, prompt, response string) error {
	return e.resolver.Capture(ctx, prompt, response)
}

// ClearOnLogout deletes everything tied to the signed-in user: queued
// mutations, generated answers, snapshots and cached responses.
// Templates are shared and survive.
func (e *Engine) ClearOnLogout(ctx context.Context) error {
	e.mu.Lock()
	e.pendingCred = ""
	e.mu.Unlock()

	var errs []error
	if err := e.queue.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.ClearGenerated(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.ClearSnapshots(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := e.cache.Clear(ctx, false); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clear on logout: %w", err)
	}
	e.logger.Info("cleared user data on logout")
	return nil
}

// PrimeTemplates re-populates the template collection from the server.
// When the server cannot be reached the stored set is kept, or seeded
// from the local pack if empty.
func (e *Engine) PrimeTemplates(ctx context.Context) (int, error) {
	recs, err := e.fetchTemplates(ctx)
	if err == nil {
		if err := e.store.ReplaceTemplates(ctx, recs); err != nil {
			return 0, err
		}
		e.logger.Info("templates primed from server", "templates", len(recs))
		return len(recs), nil
	}
	e.logger.Warn("template fetch failed, keeping local set", "error", err)

	n, cerr := e.store.CountTemplates(ctx)
	if cerr != nil {
		return 0, fmt.Errorf("count templates: %w", cerr)
	}
	if n > 0 {
		return int(n), nil
	}
	return e.seedTemplates(ctx)
}

func (e *Engine) fetchTemplates(ctx context.Context) ([]models.TemplateRecord, error) {
	if e.cfg.Proxy.TemplatesPath == "" {
		return nil, errors.New("no templates path configured")
	}
	res, err := e.client.Do(ctx, http.MethodGet, e.cfg.Proxy.TemplatesPath, jsonAccept(), nil)
	if err != nil {
		return nil, err
	}
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("templates endpoint returned %d", res.StatusCode)
	}
	return templates.Parse(res.Body)
}

func (e *Engine) seedTemplates(ctx context.Context) (int, error) {
	recs := templates.Defaults()
	if path := e.cfg.Resolver.TemplatesFile; path != "" {
		pack, err := templates.LoadPack(path)
		if err != nil {
			e.logger.Warn("template pack unusable, using built-in set", "path", path, "error", err)
		} else {
			recs = pack
		}
	}
	if err := e.store.ReplaceTemplates(ctx, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (e *Engine) refresh(ctx context.Context) {
	if _, err := e.PrimeTemplates(ctx); err != nil {
		e.logger.Warn("template refresh failed", "error", err)
	}
	if err := e.RefreshSnapshots(ctx); err != nil {
		e.logger.Warn("snapshot refresh failed", "error", err)
	}
}

// RefreshSnapshots re-fetches the conversation list and the messages of
// the most recent conversations.
func (e *Engine) RefreshSnapshots(ctx context.Context) error {
	header := jsonAccept()
	if cred := e.refreshCredential(ctx); cred != "" {
		header.Set("Authorization", bearer(cred))
	}

	listPath := e.cfg.Proxy.ConversationsPath
	res, err := e.client.Do(ctx, http.MethodGet, listPath, header, nil)
	if err != nil {
		return err
	}
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("conversations endpoint returned %d", res.StatusCode)
	}
	convs, err := snapshot.ParseConversations(res.Body)
	if err != nil {
		return err
	}
	if err := e.store.ReplaceConversations(ctx, convs, e.cfg.Snapshots.MaxConversations); err != nil {
		return err
	}

	recent, err := e.store.ListConversations(ctx, e.cfg.Snapshots.RefreshConversations)
	if err != nil {
		return err
	}
	for _, c := range recent {
		if err := e.refreshMessages(ctx, header, c.ID); err != nil {
			e.logger.Debug("message snapshot refresh failed", "conversation", c.ID, "error", err)
		}
	}
	e.logger.Debug("snapshots refreshed", "conversations", len(convs), "messages_for", len(recent))
	return nil
}

func (e *Engine) refreshMessages(ctx context.Context, header http.Header, conversationID string) error {
	path := MessagesPath(e.cfg.Proxy.ConversationsPath, conversationID)
	res, err := e.client.Do(ctx, http.MethodGet, path, header, nil)
	if err != nil {
		return err
	}
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("messages endpoint returned %d", res.StatusCode)
	}
	msgs, err := snapshot.ParseMessages(res.Body, conversationID)
	if err != nil {
		return err
	}
	return e.store.ReplaceMessages(ctx, conversationID, msgs, e.cfg.Snapshots.MaxMessagesPerConversation)
}

// refreshCredential asks a connected client for a credential, bounded by
// the queue credential timeout.
func (e *Engine) refreshCredential(ctx context.Context) string {
	if e.hub.Clients() == 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Queue.CredentialTimeout)
	defer cancel()
	cred, err := e.hub.RequestCredential(ctx)
	if err != nil {
		return ""
	}
	return cred
}

// MessagesPath is the message listing endpoint for one conversation.
func MessagesPath(conversationsPath, conversationID string) string {
	return strings.TrimSuffix(conversationsPath, "/") + "/" + conversationID + "/messages"
}

func jsonAccept() http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	return h
}

func bearer(cred string) string {
	if strings.HasPrefix(cred, "Bearer ") {
		return cred
	}
	return "Bearer " + cred
}
