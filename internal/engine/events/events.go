// Package events carries the notifications emitted by the ledger and the routing
// engine. Balance mutation never waits on delivery: a Sink receives a copy of each
// event and fans it out to its own subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an event.
type EventType string

const (
	// Channel lifecycle and balance events
	EventChannelOpened      EventType = "channel.opened"
	EventChannelTransfer    EventType = "channel.transfer"
	EventChannelReserved    EventType = "channel.reserved"
	EventChannelReleased    EventType = "channel.released"
	EventChannelConsumed    EventType = "channel.consumed"
	EventChannelSettling    EventType = "channel.settling"
	EventChannelClosed      EventType = "channel.closed"
	EventChannelCloseFailed EventType = "channel.close_failed"
	EventChannelSwept       EventType = "channel.swept"

	// Transfer routing events
	EventTransferReceived  EventType = "transfer.received"
	EventTransferRouted    EventType = "transfer.routed"
	EventTransferFinalized EventType = "transfer.finalized"
	EventTransferResolved  EventType = "transfer.resolved"

	// External approval events
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalApproved  EventType = "approval.approved"
	EventApprovalRejected  EventType = "approval.rejected"
	EventApprovalExecuted  EventType = "approval.executed"
	EventApprovalFailed    EventType = "approval.failed"
	EventApprovalResolved  EventType = "approval.resolved"

	// Membership events
	EventMemberAdded EventType = "membership.leaf_added"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a structured notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	OrganizationID string `json:"organization_id,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`
	TransferID     string `json:"transfer_id,omitempty"`
	ApprovalID     string `json:"approval_id,omitempty"`

	// Amount and Balance are canonical decimal strings.
	Amount  string `json:"amount,omitempty"`
	Balance string `json:"balance,omitempty"`
	Nonce   uint64 `json:"nonce,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// Sink receives events from producers.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Fanout publishes each event to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, event Event) {
	for _, s := range f {
		s.Publish(ctx, event)
	}
}

// RingBuffer is a thread-safe circular buffer of recent events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  EventFilter
	handler EventHandler
}

// NewRingBuffer creates a new event ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish stamps missing correlation fields from ctx and records the event.
func (rb *RingBuffer) Publish(ctx context.Context, event Event) {
	rb.Log(withContext(ctx, event))
}

// Log adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Log(event Event) {
	event = normalize(event)

	rb.mu.Lock()
	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Handlers run outside the lock.
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter. The returned func unsubscribes.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.collect(n, nil)
}

// RecentByType returns the most recent n events of one type, newest first.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.Type == eventType })
}

// RecentByChannel returns the most recent n events touching a channel, newest first.
func (rb *RingBuffer) RecentByChannel(channelID string, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.ChannelID == channelID })
}

func (rb *RingBuffer) collect(n int, match EventFilter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if match == nil || match(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
)

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func withContext(ctx context.Context, event Event) Event {
	if ctx == nil {
		return event
	}
	if s, ok := ctx.Value(traceIDKey).(string); ok && event.TraceID == "" {
		event.TraceID = s
	}
	if s, ok := ctx.Value(requestIDKey).(string); ok && event.RequestID == "" {
		event.RequestID = s
	}
	return event
}

func normalize(event Event) Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	return event
}

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

// NewEvent creates a new EventBuilder.
func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Type:      eventType,
			Severity:  SeverityInfo,
			Timestamp: time.Now().UTC(),
		},
	}
}

func (b *EventBuilder) Organization(id string) *EventBuilder {
	b.event.OrganizationID = id
	return b
}

func (b *EventBuilder) Channel(id string) *EventBuilder {
	b.event.ChannelID = id
	return b
}

func (b *EventBuilder) Transfer(id string) *EventBuilder {
	b.event.TransferID = id
	return b
}

func (b *EventBuilder) Approval(id string) *EventBuilder {
	b.event.ApprovalID = id
	return b
}

func (b *EventBuilder) Amount(amount string) *EventBuilder {
	b.event.Amount = amount
	return b
}

// Balance records the post-mutation balance and nonce.
func (b *EventBuilder) Balance(balance string, nonce uint64) *EventBuilder {
	b.event.Balance = balance
	b.event.Nonce = nonce
	return b
}

func (b *EventBuilder) Severity(severity Severity) *EventBuilder {
	b.event.Severity = severity
	return b
}

func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

// ErrorFrom sets the error from an error value and raises severity.
func (b *EventBuilder) ErrorFrom(err error) *EventBuilder {
	if err != nil {
		b.event.Error = err.Error()
		b.event.Severity = SeverityError
	}
	return b
}

// Metadata adds a metadata entry.
func (b *EventBuilder) Metadata(key, value string) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

// Build returns the constructed event.
func (b *EventBuilder) Build() Event {
	return normalize(b.event)
}

// PublishTo builds the event and hands it to sink. A nil sink is a no-op.
func (b *EventBuilder) PublishTo(ctx context.Context, sink Sink) {
	if sink == nil {
		return
	}
	sink.Publish(ctx, b.Build())
}
