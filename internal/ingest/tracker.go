package ingest

import (
	"fmt"
	"sync"

	"argus/pkg/kafka"
)

// offsetTracker enforces monotonic per-partition commits. A record's
// offset may only be committed once every earlier offset in its
// partition is resolved; Resolve returns, per call, the highest message
// that became committable.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[string]*partitionState
}

type partitionState struct {
	next     int64 // lowest unresolved offset
	resolved map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[string]*partitionState)}
}

func partKey(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d", msg.Topic, msg.Partition)
}

// Observe registers a message on arrival. Arrivals are in bus order per
// partition, so the first observation anchors the commit watermark.
func (t *offsetTracker) Observe(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partKey(msg)
	if _, ok := t.parts[key]; !ok {
		t.parts[key] = &partitionState{
			next:     msg.Offset,
			resolved: make(map[int64]kafka.Message),
		}
	}
}

// Resolve marks a message durably handled (stored or permanently
// dropped) and returns the messages now safe to commit: at most one per
// partition, the highest contiguous resolved offset.
func (t *offsetTracker) Resolve(msgs ...kafka.Message) []kafka.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	touched := make(map[string]struct{})
	for _, msg := range msgs {
		key := partKey(msg)
		state, ok := t.parts[key]
		if !ok {
			state = &partitionState{next: msg.Offset, resolved: make(map[int64]kafka.Message)}
			t.parts[key] = state
		}
		if msg.Offset < state.next {
			continue // already committed
		}
		state.resolved[msg.Offset] = msg
		touched[key] = struct{}{}
	}

	var commitable []kafka.Message
	for key := range touched {
		state := t.parts[key]
		var last *kafka.Message
		for {
			msg, ok := state.resolved[state.next]
			if !ok {
				break
			}
			delete(state.resolved, state.next)
			state.next++
			m := msg
			last = &m
		}
		if last != nil {
			commitable = append(commitable, *last)
		}
	}
	return commitable
}

// Pending reports how many resolved messages are blocked behind an
// unresolved predecessor.
func (t *offsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, state := range t.parts {
		n += len(state.resolved)
	}
	return n
}
