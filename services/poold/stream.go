package poold

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"tidepool/core/events"
)

const (
	streamHistoryLimit = 2048
	streamBuffer       = 64
	wsWriteTimeout     = 10 * time.Second
)

// StreamUpdate is a committed ledger event as delivered to subscribers.
type StreamUpdate struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

func cloneStreamUpdate(update StreamUpdate) StreamUpdate {
	cloned := update
	cloned.Attributes = make(map[string]string, len(update.Attributes))
	for k, v := range update.Attributes {
		cloned.Attributes[k] = v
	}
	return cloned
}

// Broker fans committed events out to websocket subscribers and keeps a
// bounded backlog so reconnecting clients can resume from a cursor.
type Broker struct {
	now func() time.Time

	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan StreamUpdate
	history []StreamUpdate
}

// NewBroker constructs an empty broker.
func NewBroker(now func() time.Time) *Broker {
	if now == nil {
		now = time.Now
	}
	return &Broker{now: now, subs: make(map[uint64]chan StreamUpdate)}
}

// ResumeFrom continues numbering after seq, the last sequence already handed
// out by a previous process. Cursors issued before a restart then stay
// ordered against new ones. It never moves the sequence backwards.
func (b *Broker) ResumeFrom(seq uint64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.seq {
		b.seq = seq
	}
}

// Emit implements events.Emitter.
func (b *Broker) Emit(evt events.Event) {
	if b == nil || evt == nil {
		return
	}
	rendered := evt.Event()
	if rendered == nil {
		return
	}
	b.mu.Lock()
	b.seq++
	update := StreamUpdate{
		Sequence:   b.seq,
		Cursor:     strconv.FormatUint(b.seq, 10),
		Type:       rendered.Type,
		Attributes: rendered.Clone().Attributes,
		Timestamp:  b.now().Unix(),
	}
	b.history = append(b.history, update)
	if len(b.history) > streamHistoryLimit {
		excess := len(b.history) - streamHistoryLimit
		trimmed := make([]StreamUpdate, streamHistoryLimit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	// Sends stay under the lock and never block; a full subscriber misses the
	// update.
	for _, ch := range b.subs {
		select {
		case ch <- cloneStreamUpdate(update):
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a subscriber for updates after cursor. The returned
// cancel function is also invoked when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, cursor string) (<-chan StreamUpdate, func(), []StreamUpdate) {
	updates := make(chan StreamUpdate, streamBuffer)
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]StreamUpdate, 0, len(b.history))
	for _, entry := range b.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneStreamUpdate(entry))
		}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamUpdates(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamUpdates(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog := s.broker.Subscribe(ctx, cursor)
	defer cancel()
	for _, update := range backlog {
		if err := writeStreamUpdate(ctx, conn, update); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStreamUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeStreamUpdate(ctx context.Context, conn *websocket.Conn, update StreamUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
