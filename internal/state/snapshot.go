package state

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

const (
	keyBookmarks = "bookmarks"
	keySummary   = "summary"
	keyAuthError = "auth_error_response"
)

// Snapshot is the process-wide state: bookmarks and summary per stream, plus
// any other top-level keys found in the prior state, which are carried
// through untouched. A Snapshot is mutated only by its owner through Apply.
type Snapshot struct {
	Bookmarks         map[string][]Bookmark
	Summary           map[string]Summary
	AuthErrorResponse string
	Extras            map[string]json.RawMessage

	seqs map[string]uint64
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Bookmarks: make(map[string][]Bookmark),
		Summary:   make(map[string]Summary),
		Extras:    make(map[string]json.RawMessage),
		seqs:      make(map[string]uint64),
	}
}

// Apply merges a stream delta. Only d.Stream is touched; bookmarks are
// replaced unless an applied delta of that stream carried a higher Seq, and
// the summary increments are added.
func (s *Snapshot) Apply(d StreamDelta) {
	if seq, seen := s.seqs[d.Stream]; !seen || d.Seq >= seq {
		s.seqs[d.Stream] = d.Seq
		bookmarks := slices.Clone(d.Bookmarks)
		if bookmarks == nil {
			bookmarks = []Bookmark{}
		}
		s.Bookmarks[d.Stream] = bookmarks
		if d.AuthError != "" {
			s.AuthErrorResponse = d.AuthError
		}
	}
	s.Summary[d.Stream] = s.Summary[d.Stream].Add(d.Summary)
}

// Clone returns a copy that shares no maps or slices with s.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for k, v := range s.Bookmarks {
		c.Bookmarks[k] = slices.Clone(v)
	}
	maps.Copy(c.Summary, s.Summary)
	maps.Copy(c.Extras, s.Extras)
	maps.Copy(c.seqs, s.seqs)
	c.AuthErrorResponse = s.AuthErrorResponse
	return c
}

// Stream returns what a controller needs to resume the stream.
func (s *Snapshot) Stream(name string) ([]Bookmark, Summary) {
	return slices.Clone(s.Bookmarks[name]), s.Summary[name]
}

// Has reports whether the snapshot holds bookmarks or a summary for name.
func (s *Snapshot) Has(name string) bool {
	_, b := s.Bookmarks[name]
	_, sum := s.Summary[name]
	return b || sum
}

// Streams returns every stream name with bookmarks or a summary, sorted.
func (s *Snapshot) Streams() []string {
	seen := make(map[string]struct{}, len(s.Summary))
	for k := range s.Bookmarks {
		seen[k] = struct{}{}
	}
	for k := range s.Summary {
		seen[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Total sums the summary of every stream.
func (s *Snapshot) Total() Summary {
	var t Summary
	for _, v := range s.Summary {
		t = t.Add(v)
	}
	return t
}

// MarshalJSON writes the snapshot as a single object.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(s.Extras)+3)
	for k, v := range s.Extras {
		doc[k] = v
	}
	bookmarks := s.Bookmarks
	if bookmarks == nil {
		bookmarks = map[string][]Bookmark{}
	}
	summary := s.Summary
	if summary == nil {
		summary = map[string]Summary{}
	}
	doc[keyBookmarks] = bookmarks
	doc[keySummary] = summary
	if s.AuthErrorResponse != "" {
		doc[keyAuthError] = s.AuthErrorResponse
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores a snapshot, keeping unknown keys in Extras.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*s = *NewSnapshot()
	for k, raw := range doc {
		switch k {
		case keyBookmarks:
			if err := json.Unmarshal(raw, &s.Bookmarks); err != nil {
				return fmt.Errorf("decode %s: %w", keyBookmarks, err)
			}
		case keySummary:
			if err := json.Unmarshal(raw, &s.Summary); err != nil {
				return fmt.Errorf("decode %s: %w", keySummary, err)
			}
		case keyAuthError:
			if err := json.Unmarshal(raw, &s.AuthErrorResponse); err != nil {
				return fmt.Errorf("decode %s: %w", keyAuthError, err)
			}
		default:
			s.Extras[k] = raw
		}
	}
	if s.Bookmarks == nil {
		s.Bookmarks = make(map[string][]Bookmark)
	}
	if s.Summary == nil {
		s.Summary = make(map[string]Summary)
	}
	return nil
}
