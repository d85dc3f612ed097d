package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"localq/internal/domain"
	"localq/internal/eventbus"
)

var ErrInvalidWebhook = errors.New("invalid webhook")

// Config controls delivery. Zero values fall back to defaults.
type Config struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration
	// RateLimit is outbound requests per second across all webhooks. Negative disables it.
	RateLimit   float64
	Burst       int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RateLimit))
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Store persists subscriptions and delivery records.
type Store interface {
	SaveWebhook(ctx context.Context, w domain.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context) ([]domain.Webhook, error)
	AppendDelivery(ctx context.Context, d domain.Delivery) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.Delivery, error)
}

type Option func(*Manager)

func WithStore(st Store) Option { return func(m *Manager) { m.store = st } }

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log.With().Str("comp", "webhook").Logger() }
}

func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

type delivery struct {
	id    string
	hook  domain.Webhook
	event domain.Event
}

// envelope is the JSON body POSTed to subscribers.
type envelope struct {
	EventType string       `json:"event_type"`
	Payload   domain.Event `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// Manager fans bus events out to HTTP subscribers. Publishing never blocks on
// the network: matching events are queued and sent by a small worker pool.
type Manager struct {
	cfg     Config
	store   Store
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.RWMutex
	hooks    map[string]domain.Webhook
	declared map[string]struct{}

	histMu  sync.Mutex
	history map[string][]domain.Delivery

	queue chan delivery

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      zerolog.Nop(),
		hooks:    make(map[string]domain.Webhook),
		declared: make(map[string]struct{}),
		history:  make(map[string][]domain.Delivery),
		queue:    make(chan delivery, cfg.QueueSize),
	}
	for _, o := range opts {
		o(m)
	}
	if m.client == nil {
		m.client = &http.Client{}
	}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return m
}

// Load replaces the in-memory subscriptions with the stored ones.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	hooks, err := m.store.ListWebhooks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load webhooks: %w", err)
	}
	m.mu.Lock()
	for _, w := range hooks {
		m.hooks[w.ID] = w
	}
	m.mu.Unlock()
	return len(hooks), nil
}

func validate(w *domain.Webhook) error {
	w.URL = strings.TrimSpace(w.URL)
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidWebhook)
	}
	types := make([]string, 0, len(w.EventTypes))
	for _, p := range w.EventTypes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("%w: bad event type pattern %q", ErrInvalidWebhook, p)
		}
		types = append(types, p)
	}
	w.EventTypes = types
	return nil
}

func (m *Manager) Create(ctx context.Context, w domain.Webhook) (domain.Webhook, error) {
	if err := validate(&w); err != nil {
		return domain.Webhook{}, err
	}
	if w.ID == "" {
		w.ID = domain.NewWebhookID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	if _, ok := m.hooks[w.ID]; ok {
		m.mu.Unlock()
		return domain.Webhook{}, fmt.Errorf("%w: webhook %s already exists", domain.ErrInvalidState, w.ID)
	}
	m.hooks[w.ID] = w
	m.mu.Unlock()

	if err := m.save(ctx, w); err != nil {
		return domain.Webhook{}, err
	}
	m.log.Info().Str("webhook_id", w.ID).Str("url", w.URL).Strs("events", w.EventTypes).Msg("webhook created")
	return w, nil
}

func (m *Manager) Get(id string) (domain.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.hooks[id]
	if !ok {
		return domain.Webhook{}, fmt.Errorf("%w: webhook %s", domain.ErrNotFound, id)
	}
	return w, nil
}

func (m *Manager) List() []domain.Webhook {
	m.mu.RLock()
	out := make([]domain.Webhook, 0, len(m.hooks))
	for _, w := range m.hooks {
		out = append(out, w)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) Update(ctx context.Context, w domain.Webhook) (domain.Webhook, error) {
	if err := validate(&w); err != nil {
		return domain.Webhook{}, err
	}
	m.mu.Lock()
	cur, ok := m.hooks[w.ID]
	if !ok {
		m.mu.Unlock()
		return domain.Webhook{}, fmt.Errorf("%w: webhook %s", domain.ErrNotFound, w.ID)
	}
	w.CreatedAt = cur.CreatedAt
	m.hooks[w.ID] = w
	m.mu.Unlock()

	if err := m.save(ctx, w); err != nil {
		return domain.Webhook{}, err
	}
	return w, nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.hooks[id]
	delete(m.hooks, id)
	delete(m.declared, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: webhook %s", domain.ErrNotFound, id)
	}
	if m.store != nil {
		if err := m.store.DeleteWebhook(ctx, id); err != nil {
			return fmt.Errorf("delete webhook: %w", err)
		}
	}
	return nil
}

// Sync applies subscriptions declared in configuration. Hooks declared by an
// earlier Sync but missing now are removed; hooks created through the API are
// left alone. A declared hook without an ID gets one derived from its URL.
func (m *Manager) Sync(ctx context.Context, declared []domain.Webhook) error {
	keep := make(map[string]struct{}, len(declared))
	var errs []error
	for _, w := range declared {
		if w.ID == "" {
			w.ID = "whk_" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(w.URL)).String()
		}
		keep[w.ID] = struct{}{}
		var err error
		if _, getErr := m.Get(w.ID); getErr == nil {
			_, err = m.Update(ctx, w)
		} else {
			_, err = m.Create(ctx, w)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", w.URL, err))
			continue
		}
		m.mu.Lock()
		m.declared[w.ID] = struct{}{}
		m.mu.Unlock()
	}

	m.mu.RLock()
	var stale []string
	for id := range m.declared {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		if err := m.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) save(ctx context.Context, w domain.Webhook) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveWebhook(ctx, w); err != nil {
		return fmt.Errorf("save webhook: %w", err)
	}
	return nil
}

// Matches reports whether eventType is selected by patterns. An empty list
// selects every event; patterns use path.Match globs such as "task.*".
func Matches(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, eventType); ok {
			return true
		}
	}
	return false
}

// Attach subscribes the manager to bus and returns the unsubscribe function.
func (m *Manager) Attach(bus *eventbus.Bus) func() {
	return bus.Subscribe("webhooks", m.Handle)
}

// Handle queues e for every enabled, matching webhook. A full queue records a
// failed delivery instead of blocking the publisher.
func (m *Manager) Handle(e domain.Event) error {
	m.mu.RLock()
	var targets []domain.Webhook
	for _, w := range m.hooks {
		if w.Enabled && Matches(w.EventTypes, e.Type) {
			targets = append(targets, w)
		}
	}
	m.mu.RUnlock()

	for _, w := range targets {
		d := delivery{id: domain.NewDeliveryID(), hook: w, event: e}
		select {
		case m.queue <- d:
		default:
			m.log.Warn().Str("webhook_id", w.ID).Str("event", e.Type).Msg("delivery queue full; dropping")
			m.record(domain.Delivery{ID: d.id, WebhookID: w.ID, EventType: e.Type, Error: "delivery queue full", At: time.Now().UTC()})
		}
	}
	return nil
}

// Start launches the delivery workers. Calling it twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.loop(ctx)
	}
	m.log.Info().Int("workers", m.cfg.Workers).Int("queue", m.cfg.QueueSize).Msg("webhook delivery started")
}

// Stop cancels in-flight deliveries and waits for the workers, or for ctx.
// Deliveries still queued are kept for a later Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	m.cancel()
	m.running = false

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.queue:
			m.deliver(ctx, d)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, d delivery) {
	log := m.log.With().Str("webhook_id", d.hook.ID).Str("delivery_id", d.id).Str("event", d.event.Type).Logger()
	rec := domain.Delivery{ID: d.id, WebhookID: d.hook.ID, EventType: d.event.Type}

	body, err := json.Marshal(envelope{EventType: d.event.Type, Payload: d.event, Timestamp: d.event.Time})
	if err != nil {
		rec.Error = fmt.Sprintf("encode event: %v", err)
		rec.At = time.Now().UTC()
		m.record(rec)
		log.Error().Err(err).Msg("encode webhook body")
		return
	}

	var (
		status  int
		lastErr error
	)
	for rec.Attempts < m.cfg.MaxAttempts {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		rec.Attempts++
		status, lastErr = m.post(ctx, d, body)
		if lastErr == nil && status >= 200 && status < 300 {
			rec.Success = true
			rec.StatusCode = status
			rec.At = time.Now().UTC()
			m.record(rec)
			log.Debug().Int("status", status).Int("attempts", rec.Attempts).Msg("webhook delivered")
			return
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("unexpected status %d", status)
		}
		if !retryable(status, lastErr) || rec.Attempts >= m.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		if err := sleep(ctx, m.backoff(rec.Attempts)); err != nil {
			lastErr = err
			break
		}
	}

	derr := &domain.DeliveryError{URL: d.hook.URL, StatusCode: status, Attempts: rec.Attempts, Err: lastErr}
	rec.StatusCode = status
	rec.Error = derr.Error()
	rec.At = time.Now().UTC()
	m.record(rec)
	log.Warn().Err(derr).Msg("webhook delivery failed")
}

func (m *Manager) post(ctx context.Context, d delivery, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "localq-webhook/1")
	req.Header.Set(HeaderEvent, d.event.Type)
	req.Header.Set(HeaderDelivery, d.id)
	if d.hook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.hook.Secret, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// retryable: network errors, 408, 429 and 5xx. Other 4xx are permanent.
func retryable(status int, err error) bool {
	if status == 0 {
		return err != nil && !errors.Is(err, context.Canceled)
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.RetryMaxDelay {
			return m.cfg.RetryMaxDelay
		}
	}
	return min(d, m.cfg.RetryMaxDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) record(d domain.Delivery) {
	m.histMu.Lock()
	h := append(m.history[d.WebhookID], d)
	if len(h) > m.cfg.HistorySize {
		h = h[len(h)-m.cfg.HistorySize:]
	}
	m.history[d.WebhookID] = h
	m.histMu.Unlock()

	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.AppendDelivery(ctx, d); err != nil {
		m.log.Error().Err(err).Str("webhook_id", d.WebhookID).Msg("persist delivery")
	}
}

// Deliveries lists recent delivery records for a webhook, newest first.
func (m *Manager) Deliveries(ctx context.Context, webhookID string, limit int) ([]domain.Delivery, error) {
	if _, err := m.Get(webhookID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if m.store != nil {
		return m.store.ListDeliveries(ctx, webhookID, limit)
	}
	m.histMu.Lock()
	h := m.history[webhookID]
	out := make([]domain.Delivery, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	m.histMu.Unlock()
	return out, nil
}

// Pending reports how many deliveries are waiting in the queue.
func (m *Manager) Pending() int { return len(m.queue) }
