// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter decides whether an event reaches a handler.
type Filter func(event *Event) bool

// Subscription is one registered handler.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter restricts events beyond the type list (nil = all).
	Filter Filter

	// Types limits which event types to handle (nil = all).
	Types []Type
}

// Emitter broadcasts events to subscribers and keeps a bounded replay
// buffer.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	sessionID     string
	currentTurn   int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// WithSessionID stamps every event with the conversation's session ID.
func WithSessionID(id string) EmitterOption {
	return func(e *Emitter) {
		e.sessionID = id
	}
}

// NewEmitter creates an event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for the given event types (none = all).
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with a custom filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription. Returns false when the ID is
// unknown.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to all matching subscribers and buffers it.
//
// Description:
//
//	Handler panics are recovered so one misbehaving subscriber cannot
//	take down the engine or starve other subscribers.
//
// Thread Safety: Safe for concurrent use.
func (e *Emitter) Emit(eventType Type, data any) {
	e.mu.RLock()
	sessionID := e.sessionID
	turn := e.currentTurn
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Turn:      turn,
		Data:      data,
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	e.mu.Unlock()

	for _, sub := range subs {
		if e.shouldHandle(sub, &event) {
			e.safeInvokeHandler(sub.Handler, &event)
		}
	}
}

// safeInvokeHandler invokes a handler with panic recovery.
func (e *Emitter) safeInvokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// shouldHandle applies the subscription's type list and custom filter.
func (e *Emitter) shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 {
		match := false
		for _, t := range sub.Types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	return true
}

// SetSessionID updates the session ID stamped on future events.
func (e *Emitter) SetSessionID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = id
}

// SetTurn updates the turn number stamped on future events.
func (e *Emitter) SetTurn(turn int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentTurn = turn
}

// CurrentTurn returns the turn number stamped on future events.
func (e *Emitter) CurrentTurn() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentTurn
}

// Buffer returns a copy of the buffered events.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	events := make([]Event, len(e.buffer))
	copy(events, e.buffer)
	return events
}

// BufferSince returns buffered events newer than the timestamp.
func (e *Emitter) BufferSince(since time.Time) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []Event
	for _, event := range e.buffer {
		if event.Timestamp.After(since) {
			events = append(events, event)
		}
	}
	return events
}

// BufferByType returns buffered events of one type.
func (e *Emitter) BufferByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []Event
	for _, event := range e.buffer {
		if event.Type == eventType {
			events = append(events, event)
		}
	}
	return events
}

// ClearBuffer drops all buffered events.
func (e *Emitter) ClearBuffer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = make([]Event, 0, e.bufferSize)
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Reset clears subscriptions, buffer, and the turn counter.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscriptions = make(map[string]*Subscription)
	e.buffer = make([]Event, 0, e.bufferSize)
	e.currentTurn = 0
}
