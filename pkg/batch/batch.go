// Package batch collects the product/dose selections attached to the next photo.
package batch

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/menta2k/field-capture/pkg/types"
)

var (
	// ErrIncompleteEntry is returned when product or dose is missing
	ErrIncompleteEntry = errors.New("product and dose are required")
	// ErrDuplicateEntry is returned when the same pair is already queued
	ErrDuplicateEntry = errors.New("entry already in batch")
	// ErrIndexOutOfRange is returned by Remove for an unknown position
	ErrIndexOutOfRange = errors.New("batch index out of range")
)

// Batch is an ordered, in-memory list of entries for a single capture
type Batch struct {
	mu      sync.Mutex
	entries []types.QueueEntry
}

// New creates an empty batch
func New() *Batch {
	return &Batch{}
}

// Add appends an entry after trimming its fields
func (b *Batch) Add(entry types.QueueEntry) error {
	entry.Product = strings.TrimSpace(entry.Product)
	entry.Dose = strings.TrimSpace(entry.Dose)
	entry.ClientID = strings.TrimSpace(entry.ClientID)
	if entry.Product == "" || entry.Dose == "" {
		return ErrIncompleteEntry
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if e.Product == entry.Product && e.Dose == entry.Dose {
			return fmt.Errorf("%s (%s): %w", entry.Product, entry.Dose, ErrDuplicateEntry)
		}
	}
	b.entries = append(b.entries, entry)
	return nil
}

// Remove deletes the entry at index
func (b *Batch) Remove(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index < 0 || index >= len(b.entries) {
		return fmt.Errorf("%d: %w", index, ErrIndexOutOfRange)
	}
	b.entries = append(b.entries[:index], b.entries[index+1:]...)
	return nil
}

// Entries returns a copy of the queued entries
func (b *Batch) Entries() []types.QueueEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.QueueEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of entries
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear empties the batch
func (b *Batch) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}

// Discard removes the given entries, matched by product and dose. Entries
// added after the snapshot was taken are kept.
func (b *Batch) Discard(delivered []types.QueueEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries[:0]
	for _, e := range b.entries {
		if !containsPair(delivered, e) {
			kept = append(kept, e)
		}
	}
	clear(b.entries[len(kept):])
	b.entries = kept
}

func containsPair(entries []types.QueueEntry, entry types.QueueEntry) bool {
	for _, e := range entries {
		if e.Product == entry.Product && e.Dose == entry.Dose {
			return true
		}
	}
	return false
}

// Metadata snapshots the batch as capture metadata
func (b *Batch) Metadata() types.Metadata {
	return types.Metadata{Queue: b.Entries()}
}
