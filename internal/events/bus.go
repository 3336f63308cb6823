// Package events fans session transitions out to in-process consumers.
package events

import (
	"sync"
	"time"
)

// Transition describes one state change of the playback session.
type Transition struct {
	SessionID     string    `json:"sessionId"`
	Generation    uint64    `json:"generation"`
	State         string    `json:"state"`
	Previous      string    `json:"previous"`
	Title         string    `json:"title"`
	Playing       bool      `json:"playing"`
	StopRequested bool      `json:"stopRequested"`
	Iteration     int       `json:"iteration"`
	LoopDuration  float64   `json:"loopDuration"`
	Position      float64   `json:"position"`
	At            time.Time `json:"at"`
}

// Subscriber receives transitions.
type Subscriber chan Transition

const subscriberBuffer = 16

// Bus implements a simple in-process pubsub. A slow subscriber loses its
// oldest pending events instead of blocking the publisher, so the newest
// transition always arrives.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish sends t to every subscriber without blocking.
func (b *Bus) Publish(t Transition) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- t:
			continue
		default:
		}
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- t:
		default:
		}
	}
}

// Unsubscribe removes and closes the subscriber.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.subs {
		if candidate == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}
