// Package state holds per-stream delivery bookkeeping and the snapshot that
// is persisted at the end of a run.
package state

import "slices"

// Bookmark is an opaque progress marker for one delivered unit.
type Bookmark map[string]any

// Summary counts the outcome of processed records.
type Summary struct {
	Success  int `json:"success"`
	Fail     int `json:"fail"`
	Existing int `json:"existing"`
	Updated  int `json:"updated"`
}

// Add returns the counter-wise sum of s and o.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		Success:  s.Success + o.Success,
		Fail:     s.Fail + o.Fail,
		Existing: s.Existing + o.Existing,
		Updated:  s.Updated + o.Updated,
	}
}

// IsZero reports whether every counter is zero.
func (s Summary) IsZero() bool { return s == Summary{} }

// StreamDelta is what one stream reports to the snapshot. Bookmarks is the
// stream's full bookmark sequence as of Seq; Summary holds only the
// increments observed since the previous delta.
type StreamDelta struct {
	Stream    string
	Seq       uint64
	Bookmarks []Bookmark
	Summary   Summary
	AuthError string
}

// Merge combines two deltas of the same stream. Bookmarks come from the
// delta with the higher Seq (b on a tie); summaries are summed. Merge is
// associative, so deltas may be folded in any grouping.
func Merge(a, b StreamDelta) StreamDelta {
	newer := b
	if a.Seq > b.Seq {
		newer = a
	}
	return StreamDelta{
		Stream:    newer.Stream,
		Seq:       newer.Seq,
		Bookmarks: newer.Bookmarks,
		Summary:   a.Summary.Add(b.Summary),
		AuthError: newer.AuthError,
	}
}

// DeliveryState is the live bookkeeping of one stream. It is owned by a
// single controller and never shared.
type DeliveryState struct {
	stream    string
	bookmarks []Bookmark
	summary   Summary
	pending   Summary
	seq       uint64
	authError string
}

// NewDeliveryState starts a stream from its previously persisted bookmarks
// and summary (both may be empty).
func NewDeliveryState(stream string, bookmarks []Bookmark, summary Summary) *DeliveryState {
	return &DeliveryState{
		stream:    stream,
		bookmarks: slices.Clone(bookmarks),
		summary:   summary,
	}
}

// Stream returns the stream name.
func (d *DeliveryState) Stream() string { return d.stream }

// Update records one delivered unit: b is appended when non-nil and inc is
// added to the summary. Counters never decrease.
func (d *DeliveryState) Update(b Bookmark, inc Summary) {
	if b != nil {
		d.bookmarks = append(d.bookmarks, b)
	}
	d.summary = d.summary.Add(inc)
	d.pending = d.pending.Add(inc)
	d.seq++
}

// SetAuthError records the response body of a failed credential refresh.
func (d *DeliveryState) SetAuthError(body string) {
	d.authError = body
	d.seq++
}

// Summary returns the cumulative summary, prior runs included.
func (d *DeliveryState) Summary() Summary { return d.summary }

// Bookmarks returns a copy of the bookmark sequence.
func (d *DeliveryState) Bookmarks() []Bookmark { return slices.Clone(d.bookmarks) }

// Delta returns the increments since the previous call and resets them.
func (d *DeliveryState) Delta() StreamDelta {
	out := StreamDelta{
		Stream:    d.stream,
		Seq:       d.seq,
		Bookmarks: slices.Clone(d.bookmarks),
		Summary:   d.pending,
		AuthError: d.authError,
	}
	d.pending = Summary{}
	return out
}
