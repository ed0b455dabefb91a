// Package mailbox is the durable queue between the transport layer and the
// controller. Inbound operator messages and outbound replies share one JSON
// document; every mutation rewrites the whole document atomically, so a
// crash between enqueue and drain loses nothing and duplicates nothing.
package mailbox

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/helmsman/internal/statefile"
)

// Direction says which way a message is travelling.
type Direction string

const (
	// Inbound messages come from the operator and are consumed by the
	// controller's poll loop.
	Inbound Direction = "inbound"
	// Outbound messages are controller replies waiting for the transport
	// to deliver them to the operator.
	Outbound Direction = "outbound"
)

// Message is one queued payload. Delivered flips exactly once, inside the
// same atomic swap that returns the message to its consumer.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Payload   string    `json:"payload"`
	Delivered bool      `json:"delivered"`
}

type document struct {
	Messages []Message `json:"messages"`
}

// Store binds the queue to one document path. The mutex serializes writers
// within this process; cross-process safety comes from whole-document
// replacement.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a Store backed by the document at path. The document is
// created lazily on first enqueue.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Enqueue appends a message and persists the queue. Ordering is FIFO by
// enqueue time; ids are opaque UUIDs.
func (s *Store) Enqueue(dir Direction, payload string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc document
	statefile.LoadOr(s.path, &doc)

	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Direction: dir,
		Payload:   payload,
	}
	doc.Messages = append(doc.Messages, msg)
	if err := statefile.Save(s.path, doc); err != nil {
		return Message{}, fmt.Errorf("enqueue %s message: %w", dir, err)
	}
	return msg, nil
}

// DrainUnread returns every undelivered message in the given direction, in
// enqueue order, and marks them delivered in the same atomic document swap.
// A drained message is never returned again. A missing or malformed document
// yields an empty drain; the consumer loop must not die because storage is
// sick.
func (s *Store) DrainUnread(dir Direction) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc document
	if !statefile.LoadOr(s.path, &doc) {
		return nil
	}

	var drained []Message
	for i := range doc.Messages {
		m := &doc.Messages[i]
		if m.Direction != dir || m.Delivered {
			continue
		}
		m.Delivered = true
		drained = append(drained, *m)
	}
	if len(drained) == 0 {
		return nil
	}
	sort.SliceStable(drained, func(i, j int) bool {
		return drained[i].Timestamp.Before(drained[j].Timestamp)
	})

	// If the save fails the delivered flags are lost and the next drain
	// returns the same messages again; redelivery on storage failure beats
	// silent loss, and the consumer treats its commands as idempotent.
	if err := statefile.Save(s.path, doc); err != nil {
		return nil
	}
	return drained
}

// Prune drops delivered messages older than maxAge and, if the queue still
// exceeds maxCount, trims the oldest delivered ones until it fits.
// Undelivered messages are never pruned.
func (s *Store) Prune(maxAge time.Duration, maxCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc document
	if !statefile.LoadOr(s.path, &doc) {
		return nil
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	kept := doc.Messages[:0]
	for _, m := range doc.Messages {
		if m.Delivered && m.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, m)
	}

	if maxCount > 0 && len(kept) > maxCount {
		excess := len(kept) - maxCount
		trimmed := make([]Message, 0, maxCount)
		for _, m := range kept {
			if excess > 0 && m.Delivered {
				excess--
				continue
			}
			trimmed = append(trimmed, m)
		}
		kept = trimmed
	}

	doc.Messages = kept
	if err := statefile.Save(s.path, doc); err != nil {
		return fmt.Errorf("prune mailbox: %w", err)
	}
	return nil
}

// Pending counts undelivered messages in the given direction. Used by status
// reporting only.
func (s *Store) Pending(dir Direction) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc document
	statefile.LoadOr(s.path, &doc)
	n := 0
	for _, m := range doc.Messages {
		if m.Direction == dir && !m.Delivered {
			n++
		}
	}
	return n
}
