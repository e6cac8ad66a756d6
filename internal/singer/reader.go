// Package singer reads the line-delimited JSON messages produced by a tap
// and writes the STATE message the target emits at the end of a run.
package singer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/lsm/target-api/internal/dispatch"
	"github.com/lsm/target-api/internal/record"
	"github.com/lsm/target-api/internal/state"
)

// Message types understood by the reader. Other types are skipped.
const (
	TypeSchema = "SCHEMA"
	TypeRecord = "RECORD"
	TypeState  = "STATE"
)

type message struct {
	Type   string          `json:"type"`
	Stream string          `json:"stream"`
	Record json.RawMessage `json:"record"`
	Value  json.RawMessage `json:"value"`
}

// Reader turns tap output into dispatch events. It remembers the last STATE
// message so streams can resume from it.
type Reader struct {
	r         *bufio.Reader
	line      int
	lastState json.RawMessage
}

// NewReader reads messages from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<20)}
}

// Next returns the next SCHEMA or RECORD as an event, or io.EOF.
func (r *Reader) Next(ctx context.Context) (dispatch.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return dispatch.Event{}, err
		}
		raw, err := r.r.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) == 0 {
			if err != nil {
				return dispatch.Event{}, err
			}
			r.line++
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return dispatch.Event{}, err
		}
		r.line++

		ev, ok, perr := r.parse(raw)
		if perr != nil {
			return dispatch.Event{}, perr
		}
		if ok {
			return ev, nil
		}
	}
}

// StreamState reports the bookmarks and summary the last STATE message read
// holds for stream. It reports false unless both are present and the
// bookmark list is non-empty.
func (r *Reader) StreamState(stream string) ([]state.Bookmark, state.Summary, bool) {
	if len(r.lastState) == 0 {
		return nil, state.Summary{}, false
	}
	var doc struct {
		Bookmarks map[string]json.RawMessage `json:"bookmarks"`
		Summary   map[string]json.RawMessage `json:"summary"`
	}
	if err := json.Unmarshal(r.lastState, &doc); err != nil {
		return nil, state.Summary{}, false
	}
	rawBookmarks, ok := doc.Bookmarks[stream]
	if !ok {
		return nil, state.Summary{}, false
	}
	rawSummary, ok := doc.Summary[stream]
	if !ok || string(rawSummary) == "null" {
		return nil, state.Summary{}, false
	}
	// taps keep their own bookmark shapes; only a list of objects is ours
	var bookmarks []state.Bookmark
	if err := json.Unmarshal(rawBookmarks, &bookmarks); err != nil || len(bookmarks) == 0 {
		return nil, state.Summary{}, false
	}
	var summary state.Summary
	if err := json.Unmarshal(rawSummary, &summary); err != nil {
		return nil, state.Summary{}, false
	}
	return bookmarks, summary, true
}

func (r *Reader) parse(raw []byte) (dispatch.Event, bool, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return dispatch.Event{}, false, fmt.Errorf("line %d: %w", r.line, err)
	}
	switch m.Type {
	case TypeSchema:
		if m.Stream == "" {
			return dispatch.Event{}, false, fmt.Errorf("line %d: SCHEMA without stream", r.line)
		}
		return dispatch.Event{Stream: m.Stream}, true, nil
	case TypeRecord:
		if m.Stream == "" {
			return dispatch.Event{}, false, fmt.Errorf("line %d: RECORD without stream", r.line)
		}
		fields, err := decodeFields(m.Record)
		if err != nil {
			return dispatch.Event{}, false, fmt.Errorf("line %d: %w", r.line, err)
		}
		rec := record.New(m.Stream, fields)
		return dispatch.Event{Stream: m.Stream, Record: &rec}, true, nil
	case TypeState:
		r.lastState = m.Value
	}
	return dispatch.Event{}, false, nil
}

// decodeFields keeps numbers as json.Number so they are re-encoded exactly.
func decodeFields(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("RECORD without record")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return fields, nil
}

// WriteState writes value as a STATE message line.
func WriteState(w io.Writer, value json.RawMessage) error {
	line, err := json.Marshal(struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}{Type: TypeState, Value: value})
	if err != nil {
		return fmt.Errorf("encode state message: %w", err)
	}
	_, err = w.Write(append(line, '\n'))
	return err
}
