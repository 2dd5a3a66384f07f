package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSessionStarted   EventType = "SESSION_STARTED"
	EventBarAdvanced      EventType = "BAR_ADVANCED"
	EventTradeExecuted    EventType = "TRADE_EXECUTED"
	EventSessionCompleted EventType = "SESSION_COMPLETED"
	EventSessionEnded     EventType = "SESSION_ENDED"
	EventSessionReset     EventType = "SESSION_RESET"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSessionStarted publishes a session started event
func (eb *EventBus) PublishSessionStarted(sessionID, user, stockCode, stockName, startDate, mode string, initialCapital float64) {
	eb.Publish(Event{
		Type: EventSessionStarted,
		Data: map[string]interface{}{
			"session_id":      sessionID,
			"user":            user,
			"stock_code":      stockCode,
			"stock_name":      stockName,
			"start_date":      startDate,
			"mode":            mode,
			"initial_capital": initialCapital,
		},
	})
}

// PublishBarAdvanced publishes a bar advanced event
func (eb *EventBus) PublishBarAdvanced(sessionID string, barID int, date string, close, progressPct float64) {
	eb.Publish(Event{
		Type: EventBarAdvanced,
		Data: map[string]interface{}{
			"session_id":   sessionID,
			"bar_id":       barID,
			"date":         date,
			"close":        close,
			"progress_pct": progressPct,
		},
	})
}

// PublishTradeExecuted publishes a trade executed event
func (eb *EventBus) PublishTradeExecuted(sessionID, action string, quantity int, price, amount float64, barID int) {
	eb.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"session_id": sessionID,
			"action":     action,
			"quantity":   quantity,
			"price":      price,
			"amount":     amount,
			"bar_id":     barID,
		},
	})
}

// PublishSessionCompleted publishes a session completed event
func (eb *EventBus) PublishSessionCompleted(sessionID string, totalReturn float64, totalTrades int, winRate float64) {
	eb.Publish(Event{
		Type: EventSessionCompleted,
		Data: map[string]interface{}{
			"session_id":   sessionID,
			"total_return": totalReturn,
			"total_trades": totalTrades,
			"win_rate":     winRate,
		},
	})
}

// PublishSessionEnded publishes a session ended event
func (eb *EventBus) PublishSessionEnded(sessionID string, totalReturn float64, totalTrades int, winRate float64) {
	eb.Publish(Event{
		Type: EventSessionEnded,
		Data: map[string]interface{}{
			"session_id":   sessionID,
			"total_return": totalReturn,
			"total_trades": totalTrades,
			"win_rate":     winRate,
		},
	})
}

// PublishSessionReset publishes a session reset event
func (eb *EventBus) PublishSessionReset(sessionID string) {
	eb.Publish(Event{
		Type: EventSessionReset,
		Data: map[string]interface{}{
			"session_id": sessionID,
		},
	})
}
