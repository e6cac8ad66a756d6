// Package batch buffers the records of one stream until a count or byte
// threshold is reached.
package batch

import (
	"fmt"
	"sync"

	"github.com/lsm/target-api/internal/record"
)

// ByteHeadroom is the fraction of MaxBytes a batch may fill before it is
// considered full, leaving room for framing.
const ByteHeadroom = 0.9

// Limits gates fullness. Zero disables a threshold.
type Limits struct {
	MaxCount int
	MaxBytes int
}

// Accumulator holds the pending batch of one stream. ByteSize always equals
// the encoded size of the JSON array of the held records.
type Accumulator struct {
	mu      sync.Mutex
	limits  Limits
	records []record.Record
	sizes   int
}

// New creates an empty accumulator.
func New(limits Limits) *Accumulator {
	return &Accumulator{limits: limits}
}

// Add appends r. It fails only when r cannot be encoded; the buffer is then
// left unchanged.
func (a *Accumulator) Add(r record.Record) error {
	n, err := r.Size()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	a.sizes += n
	return nil
}

// Len returns the number of held records.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// ByteSize returns the encoded size of the held records as a JSON array.
func (a *Accumulator) ByteSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byteSize()
}

// IsFull reports whether a configured threshold has been reached.
func (a *Accumulator) IsFull() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limits.MaxCount > 0 && len(a.records) >= a.limits.MaxCount {
		return true
	}
	if a.limits.MaxBytes > 0 && float64(a.byteSize()) >= ByteHeadroom*float64(a.limits.MaxBytes) {
		return true
	}
	return false
}

// DrainAll empties the buffer and returns what it held, in insertion order.
func (a *Accumulator) DrainAll() []record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.records
	a.records = nil
	a.sizes = 0
	return out
}

// caller holds mu
func (a *Accumulator) byteSize() int {
	n := len(a.records)
	if n == 0 {
		return 2
	}
	return 2 + a.sizes + n - 1
}
