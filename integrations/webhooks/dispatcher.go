package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tidepool/core/events"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 64
	defaultTimeout     = 15 * time.Second

	headerEvent     = "X-Tidepool-Event"
	headerSignature = "X-Tidepool-Signature"
	headerDelivery  = "X-Tidepool-Delivery"
)

// Payload is the webhook body for a committed ledger event.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	OccurredAt time.Time         `json:"occurredAt"`
	DeliveryID string            `json:"deliveryId"`
}

// Dispatcher delivers committed ledger events to an HTTP endpoint with retry
// and exponential backoff. It implements events.Emitter; events are queued
// without blocking and dropped when the queue is full.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	retry       RetryPolicy
	logger      *slog.Logger
	queueSize   int
	types       map[string]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan delivery
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type delivery struct {
	eventType string
	id        string
	body      []byte
}

// RetryPolicy bounds redelivery of a failed event. Attempt n (starting at 1)
// waits Base<<(n-1), capped at Cap, before the next try.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Delay returns the wait after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap || delay <= 0 {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the non-zero fields of the default policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(d *Dispatcher) {
		if policy.Attempts > 0 {
			d.retry.Attempts = policy.Attempts
		}
		if policy.Base > 0 {
			d.retry.Base = policy.Base
		}
		if policy.Cap > 0 {
			d.retry.Cap = policy.Cap
		}
		if d.retry.Cap < d.retry.Base {
			d.retry.Cap = d.retry.Base
		}
	}
}

// WithLogger sets the logger used to report abandoned deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithEventTypes restricts deliveries to the listed event types. No types
// means every event is delivered.
func WithEventTypes(types ...string) Option {
	return func(d *Dispatcher) {
		for _, t := range types {
			if t = strings.TrimSpace(t); t != "" {
				d.types[t] = struct{}{}
			}
		}
	}
}

// WithQueueSize overrides the delivery buffer length.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: defaultTimeout},
		retry:       RetryPolicy{Attempts: defaultMaxAttempts, Base: defaultMinBackoff, Cap: defaultMaxBackoff},
		logger:      slog.Default(),
		queueSize:   defaultQueueSize,
		types:       make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.queue = make(chan delivery, dispatcher.queueSize)
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for the inflight delivery to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Dropped returns the number of events discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Emit implements events.Emitter.
func (d *Dispatcher) Emit(evt events.Event) {
	if d == nil || evt == nil {
		return
	}
	if len(d.types) > 0 {
		if _, ok := d.types[evt.EventType()]; !ok {
			return
		}
	}
	rendered := evt.Event()
	if rendered == nil {
		return
	}
	payload := Payload{
		Type:       rendered.Type,
		Attributes: rendered.Attributes,
		OccurredAt: time.Now().UTC(),
		DeliveryID: uuid.NewString(),
	}
	if err := d.enqueue(payload); err != nil {
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) enqueue(payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	default:
	}
	select {
	case d.queue <- delivery{eventType: payload.Type, id: payload.DeliveryID, body: data}:
		return nil
	default:
		return errors.New("webhook: queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-d.queue:
			if err := d.deliver(job); err != nil && d.ctx.Err() == nil {
				d.logger.Warn("webhook: delivery abandoned",
					"endpoint", d.endpoint, "event", job.eventType, "delivery", job.id, "error", err)
			}
		}
	}
}

// deliver posts job until it is accepted, a permanent failure is reported or
// the retry budget runs out.
func (d *Dispatcher) deliver(job delivery) error {
	var err error
	for attempt := 1; attempt <= d.retry.Attempts; attempt++ {
		if err = d.post(job); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) || attempt == d.retry.Attempts {
			break
		}
		timer := time.NewTimer(d.retry.Delay(attempt))
		select {
		case <-timer.C:
		case <-d.ctx.Done():
			timer.Stop()
			return d.ctx.Err()
		}
	}
	return err
}

// permanentError marks a rejection that redelivery cannot fix.
type permanentError struct{ status int }

func (e permanentError) Error() string {
	return fmt.Sprintf("webhook: endpoint rejected delivery with status %d", e.status)
}

func (d *Dispatcher) post(job delivery) error {
	timeout := d.client.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, job.eventType)
	req.Header.Set(headerDelivery, job.id)
	req.Header.Set(headerSignature, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook: endpoint busy (status %d)", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return permanentError{status: resp.StatusCode}
	}
	return fmt.Errorf("webhook: endpoint failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(signature)))
}
