package record

import "encoding/json"

// Record is a single row received for a stream. Fields is the record body as
// produced upstream; Stream is the name it was tagged with.
type Record struct {
	Stream string
	Fields map[string]any
}

// New returns a record for stream, allocating Fields when nil.
func New(stream string, fields map[string]any) Record {
	if fields == nil {
		fields = make(map[string]any)
	}
	return Record{Stream: stream, Fields: fields}
}

// MarshalJSON encodes only the record body; the stream tag stays out of band.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// Size returns the encoded length of the record body.
func (r Record) Size() (int, error) {
	b, err := r.MarshalJSON()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
