// Package memory keeps job events in process. It backs publisher.backend=memory
// for single-node deployments that have no broker, and doubles as a recorder
// in tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultRetention bounds how many events a Publisher keeps.
const DefaultRetention = 1024

// Record is one retained publish.
type Record struct {
	ID      string
	Topic   string
	Key     string
	Payload any
}

type keyed interface {
	EventKey() string
}

// Publisher retains the most recent events in publish order. Older events
// are evicted once the retention limit is reached.
type Publisher struct {
	mu        sync.RWMutex
	retention int
	seq       int
	records   []Record
}

// New returns a Publisher keeping at most retention events. Values <= 0 use
// DefaultRetention.
func New(retention int) *Publisher {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Publisher{retention: retention}
}

// Publish retains payload under topic and returns its sequence ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	rec := Record{Topic: topic, Payload: payload}
	if keyed, ok := payload.(keyed); ok {
		rec.Key = keyed.EventKey()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	rec.ID = fmt.Sprintf("memory-%d", p.seq)
	if len(p.records) == p.retention {
		copy(p.records, p.records[1:])
		p.records = p.records[:len(p.records)-1]
	}
	p.records = append(p.records, rec)
	return rec.ID, nil
}

// Records returns a copy of the retained events, oldest first.
func (p *Publisher) Records() []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Record, len(p.records))
	copy(out, p.records)
	return out
}

// Latest returns the newest retained event for key.
func (p *Publisher) Latest(key string) (Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := len(p.records) - 1; i >= 0; i-- {
		if p.records[i].Key == key {
			return p.records[i], true
		}
	}
	return Record{}, false
}
