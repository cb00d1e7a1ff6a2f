// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventlog keeps a bounded in-memory ring of operator-visible
// events. It backs the /api/dispatcher/events endpoint; nothing here is
// durable.
package eventlog

import (
	"sync"

	"github.com/taskhive/taskhive/internal/models"
)

// DefaultCapacity bounds the ring so event payloads (merge/test log tails
// included) cannot grow without limit.
const DefaultCapacity = 200

// Event is one operator-visible record.
type Event struct {
	Timestamp string `json:"ts"`
	Source    string `json:"source"`
	Message   string `json:"message"`
}

// Log is a fixed-capacity ring of events. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

// New creates a ring with the given capacity; capacity <= 0 uses the default.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{cap: capacity}
}

// Emit appends an event, evicting the oldest when full.
// Source identifies the emitter: a slot id, "scheduler", or "system".
func (l *Log) Emit(source, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		Timestamp: models.Now(),
		Source:    source,
		Message:   message,
	})
	if len(l.events) > l.cap {
		l.events = l.events[len(l.events)-l.cap:]
	}
}

// Recent returns up to limit of the most recent events, oldest first.
func (l *Log) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]Event, limit)
	copy(out, l.events[len(l.events)-limit:])
	return out
}
