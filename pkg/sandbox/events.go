package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	EventInstanceSpawned   EventType = "instance.spawned"
	EventInstanceDestroyed EventType = "instance.destroyed"
	EventInstanceExpired   EventType = "instance.expired"
	EventInstanceFailed    EventType = "instance.failed"
	EventInstanceAdopted   EventType = "instance.adopted"
	EventReconcileDrift    EventType = "reconcile.drift"
	EventRuntimeDegraded   EventType = "runtime.degraded"
	EventRuntimeRecovered  EventType = "runtime.recovered"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	EventSeverityInfo    EventSeverity = "info"
	EventSeverityWarning EventSeverity = "warning"
	EventSeverityError   EventSeverity = "error"
)

// Event is one lifecycle notification
type Event struct {
	ID           string                 `json:"id"`
	Type         EventType              `json:"type"`
	Severity     EventSeverity          `json:"severity"`
	InstanceID   string                 `json:"instance_id,omitempty"`
	ContainerID  string                 `json:"container_id,omitempty"`
	ChallengeKey string                 `json:"challenge_key,omitempty"`
	OwnerID      string                 `json:"owner_id,omitempty"`
	Message      string                 `json:"message"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// EventHandler defines a function that handles events. Handlers run on the
// bus worker and must not block.
type EventHandler func(event Event) error

// EventFilter defines a function that filters events
type EventFilter func(event Event) bool

// EventSubscription represents an event subscription
type EventSubscription struct {
	ID       string       `json:"id"`
	Filter   EventFilter  `json:"-"`
	Handler  EventHandler `json:"-"`
	Types    []EventType  `json:"types"`
	Created  time.Time    `json:"created"`
	LastUsed time.Time    `json:"last_used"`
	Count    int64        `json:"count"`
}

// EventBus delivers events to subscribers in publish order on a single
// worker goroutine
type EventBus struct {
	mu            sync.RWMutex
	subscriptions map[string]*EventSubscription
	history       []Event
	historySize   int
	queue         chan Event
	closed        bool
	dropped       int64
	done          chan struct{}
}

// NewEventBus creates a new event bus keeping historySize recent events
func NewEventBus(historySize int) *EventBus {
	if historySize <= 0 {
		historySize = 256
	}

	eb := &EventBus{
		subscriptions: make(map[string]*EventSubscription),
		history:       make([]Event, 0, historySize),
		historySize:   historySize,
		queue:         make(chan Event, historySize*2),
		done:          make(chan struct{}),
	}

	go eb.worker()

	log.Debug().Int("history_size", historySize).Msg("Event bus initialized")
	return eb
}

// Subscribe subscribes to events with optional filter
func (eb *EventBus) Subscribe(handler EventHandler, filter EventFilter, eventTypes ...EventType) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	now := time.Now()
	sub := &EventSubscription{
		ID:       uuid.NewString(),
		Handler:  handler,
		Filter:   filter,
		Types:    eventTypes,
		Created:  now,
		LastUsed: now,
	}
	eb.subscriptions[sub.ID] = sub

	log.Debug().
		Str("subscription_id", sub.ID).
		Int("event_types", len(eventTypes)).
		Msg("Event subscription created")

	return sub.ID
}

// Unsubscribe removes a subscription
func (eb *EventBus) Unsubscribe(subscriptionID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, exists := eb.subscriptions[subscriptionID]; exists {
		delete(eb.subscriptions, subscriptionID)
		log.Debug().Str("subscription_id", subscriptionID).Msg("Event subscription removed")
	}
}

// Publish queues an event. It never blocks: when the queue is full or the
// bus is stopped the event is dropped.
func (eb *EventBus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	select {
	case eb.queue <- event:
	default:
		eb.dropped++
		log.Warn().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("Event queue full, dropping event")
	}
}

// GetSubscriptions returns copies of the active subscriptions
func (eb *EventBus) GetSubscriptions() []EventSubscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	subs := make([]EventSubscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		c := *sub
		c.Handler = nil
		c.Filter = nil
		subs = append(subs, c)
	}
	return subs
}

// GetEventHistory returns up to limit of the most recent events, oldest first
func (eb *EventBus) GetEventHistory(limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > len(eb.history) {
		limit = len(eb.history)
	}

	history := make([]Event, limit)
	copy(history, eb.history[len(eb.history)-limit:])
	return history
}

// Stop stops accepting events and waits until queued events are delivered
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		<-eb.done
		return
	}
	eb.closed = true
	close(eb.queue)
	eb.mu.Unlock()

	<-eb.done
	log.Debug().Msg("Event bus stopped")
}

func (eb *EventBus) worker() {
	defer close(eb.done)
	for event := range eb.queue {
		eb.processEvent(event)
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.Lock()
	if len(eb.history) >= eb.historySize {
		copy(eb.history, eb.history[1:])
		eb.history[len(eb.history)-1] = event
	} else {
		eb.history = append(eb.history, event)
	}

	matched := make([]*EventSubscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		if matchesSubscription(event, sub) {
			matched = append(matched, sub)
		}
	}
	eb.mu.Unlock()

	for _, sub := range matched {
		eb.callHandler(event, sub)
	}
}

func matchesSubscription(event Event, sub *EventSubscription) bool {
	if len(sub.Types) > 0 {
		matched := false
		for _, eventType := range sub.Types {
			if event.Type == eventType {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}

	return true
}

func (eb *EventBus) callHandler(event Event, sub *EventSubscription) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("subscription_id", sub.ID).
				Str("event_id", event.ID).
				Msg("Event handler panicked")
		}
	}()

	if sub.Handler == nil {
		return
	}
	if err := sub.Handler(event); err != nil {
		log.Warn().
			Err(err).
			Str("subscription_id", sub.ID).
			Str("event_id", event.ID).
			Msg("Event handler returned error")
		return
	}

	eb.mu.Lock()
	sub.LastUsed = time.Now()
	sub.Count++
	eb.mu.Unlock()
}

// newInstanceEvent builds an event describing inst
func newInstanceEvent(eventType EventType, severity EventSeverity, inst *Instance, format string, args ...interface{}) Event {
	return Event{
		Type:         eventType,
		Severity:     severity,
		InstanceID:   inst.ID,
		ContainerID:  inst.ContainerID,
		ChallengeKey: inst.ChallengeKey,
		OwnerID:      inst.Owner(),
		Message:      fmt.Sprintf(format, args...),
		Timestamp:    time.Now(),
		Metadata: map[string]interface{}{
			"status":    string(inst.Status),
			"host_port": inst.HostPort,
		},
	}
}

// InstanceFilter matches events about one instance
func InstanceFilter(instanceID string) EventFilter {
	return func(event Event) bool {
		return event.InstanceID == instanceID
	}
}

// OwnerFilter matches events about one owner's instances
func OwnerFilter(ownerID string) EventFilter {
	return func(event Event) bool {
		return event.OwnerID == ownerID
	}
}

// SeverityFilter creates a filter for events of specific severity levels
func SeverityFilter(severities ...EventSeverity) EventFilter {
	severityMap := make(map[EventSeverity]bool)
	for _, s := range severities {
		severityMap[s] = true
	}

	return func(event Event) bool {
		return severityMap[event.Severity]
	}
}

// AllFilters matches events accepted by every non-nil filter
func AllFilters(filters ...EventFilter) EventFilter {
	active := make([]EventFilter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil
	}

	return func(event Event) bool {
		for _, f := range active {
			if !f(event) {
				return false
			}
		}
		return true
	}
}
