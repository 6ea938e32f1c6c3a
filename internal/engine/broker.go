package engine

import (
	"sync"

	"github.com/crucible-run/crucible/internal/model"
)

// subscriberBufferSize is the channel buffer for each chunk subscriber.
// Chunks are dropped from the live stream if a subscriber falls this far
// behind; the store keeps the authoritative copy for offset reads.
const subscriberBufferSize = 64

// ChunkBroker fans output chunks out to live subscribers per session.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a session finishes) receive a closed channel instead of
// blocking forever.
type ChunkBroker struct {
	mu     sync.Mutex
	topics map[string]*chunkTopic
}

type chunkTopic struct {
	subs   map[int]chan model.OutputChunk
	nextID int
	closed bool
}

// NewChunkBroker creates a new chunk broker.
func NewChunkBroker() *ChunkBroker {
	return &ChunkBroker{
		topics: make(map[string]*chunkTopic),
	}
}

// Subscribe returns a channel that receives chunks for the given session and
// an unsubscribe function. If the session has already finished (Close was
// called), the returned channel is immediately closed.
func (b *ChunkBroker) Subscribe(sessionID string) (<-chan model.OutputChunk, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		t = &chunkTopic{subs: make(map[int]chan model.OutputChunk)}
		b.topics[sessionID] = t
	}

	ch := make(chan model.OutputChunk, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a chunk to all subscribers of the given session.
// Chunks are dropped for subscribers whose buffers are full.
func (b *ChunkBroker) Publish(sessionID string, chunk model.OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- chunk:
		default:
			// Drop for slow subscribers to avoid blocking the worker.
		}
	}
}

// Close signals that no more chunks will be published for the given session.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *ChunkBroker) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		// Closed marker so late subscribers get a closed channel.
		b.topics[sessionID] = &chunkTopic{subs: make(map[int]chan model.OutputChunk), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Drop removes all trace of a session's topic, including the closed marker.
// Called when a session is evicted.
func (b *ChunkBroker) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		close(ch)
	}
	delete(b.topics, sessionID)
}
