// Package eventbus provides event bus implementations
package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/uuid"
)

// ChannelEventBus is an implementation of EventBus using Go channels
type ChannelEventBus struct {
	// subscribers maps event types to a map of subscription IDs to event handlers
	subscribers map[EventType]map[string]EventHandler

	// allSubscribers contains handlers that receive all events regardless of type
	allSubscribers map[string]EventHandler

	// eventChan is the channel where events are published
	eventChan chan eventWithContext

	// done is used to signal graceful shutdown
	done chan struct{}

	// closed indicates if the event bus has been shut down
	closed bool

	// wg keeps track of active worker goroutines
	wg sync.WaitGroup

	// mutex protects the subscribers and allSubscribers maps
	mutex sync.RWMutex

	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
}

// eventWithContext bundles an event with its context for processing
type eventWithContext struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.bufferSize = size
	}
}

// WithWorkerCount sets the number of event processing workers
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.workerCount = count
	}
}

// WithRetries configures the retry behavior for event handlers
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryInterval = retryInterval
	}
}

// NewChannelEventBus creates a new channel-based event bus
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subscribers:    make(map[EventType]map[string]EventHandler),
		allSubscribers: make(map[string]EventHandler),
		done:           make(chan struct{}),

		bufferSize:    100,
		workerCount:   5,
		maxRetries:    3,
		retryInterval: time.Millisecond * 100,
	}

	for _, option := range options {
		option(eb)
	}

	eb.eventChan = make(chan eventWithContext, eb.bufferSize)
	eb.startWorkers()

	return eb
}

func (eb *ChannelEventBus) startWorkers() {
	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
}

// worker processes events from the event channel
func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.done:
			return
		case evt := <-eb.eventChan:
			eb.processEvent(evt)
		}
	}
}

// processEvent handles the event dispatch to all relevant subscribers
func (eb *ChannelEventBus) processEvent(evt eventWithContext) {
	if evt.ctx.Err() != nil {
		return
	}

	eb.mutex.RLock()

	// Copy the handler maps so the lock is not held while handlers run.
	// This prevents deadlocks if handlers try to subscribe/unsubscribe.
	typeHandlers := make(map[string]EventHandler)
	if handlers, exists := eb.subscribers[evt.event.Type()]; exists {
		for id, handler := range handlers {
			typeHandlers[id] = handler
		}
	}

	allHandlers := make(map[string]EventHandler)
	for id, handler := range eb.allSubscribers {
		allHandlers[id] = handler
	}

	eb.mutex.RUnlock()

	for _, handler := range typeHandlers {
		eb.executeHandler(evt.ctx, evt.event, handler)
	}

	for _, handler := range allHandlers {
		eb.executeHandler(evt.ctx, evt.event, handler)
	}
}

// executeHandler runs a handler with retry logic
func (eb *ChannelEventBus) executeHandler(ctx context.Context, event Event, handler EventHandler) {
	var err error

	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err = handler(ctx, event)
		if err == nil {
			return
		}

		if attempt == eb.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(eb.retryInterval):
		}
	}

	if err != nil {
		// Log the error but don't stop other handlers
		log.Printf("Event handler error (event_type: %s, retries: %d): %v",
			event.Type(), eb.maxRetries, err)
	}
}

// Publish sends an event to all subscribed handlers
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	eb.mutex.RLock()
	closed := eb.closed
	eb.mutex.RUnlock()
	if closed {
		return errbuilder.GenericErr("event bus is closed", nil)
	}

	// Buffer the event under a child context so a cancelled publisher
	// still cancels delivery of the queued event.
	childCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-eb.done:
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case eb.eventChan <- eventWithContext{ctx: childCtx, event: event}:
		return nil
	}
}

// Subscribe registers a handler for specific event types
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if handler == nil {
		return "", errbuilder.GenericErr("handler cannot be nil", nil)
	}

	if len(eventTypes) == 0 {
		return "", errbuilder.GenericErr("at least one event type is required", nil)
	}

	subscriptionID := uuid.New().String()

	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return "", errbuilder.GenericErr("event bus is closed", nil)
	}

	for _, eventType := range eventTypes {
		if _, exists := eb.subscribers[eventType]; !exists {
			eb.subscribers[eventType] = make(map[string]EventHandler)
		}
		eb.subscribers[eventType][subscriptionID] = handler
	}

	return subscriptionID, nil
}

// SubscribeAll registers a handler for all event types
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	if handler == nil {
		return "", errbuilder.GenericErr("handler cannot be nil", nil)
	}

	subscriptionID := uuid.New().String()

	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return "", errbuilder.GenericErr("event bus is closed", nil)
	}

	eb.allSubscribers[subscriptionID] = handler

	return subscriptionID, nil
}

// Unsubscribe removes a subscription by ID
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return errbuilder.GenericErr("event bus is closed", nil)
	}

	delete(eb.allSubscribers, subscriptionID)

	for eventType, subscribers := range eb.subscribers {
		delete(subscribers, subscriptionID)
		if len(subscribers) == 0 {
			delete(eb.subscribers, eventType)
		}
	}

	return nil
}

// Close shuts down the event bus, cleaning up resources
func (eb *ChannelEventBus) Close() error {
	eb.mutex.Lock()
	if eb.closed {
		eb.mutex.Unlock()
		return nil
	}

	eb.closed = true
	eb.mutex.Unlock()

	close(eb.done)
	eb.wg.Wait()
	close(eb.eventChan)

	return nil
}
