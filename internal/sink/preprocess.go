package sink

import (
	"maps"

	"github.com/lsm/target-api/internal/record"
)

// StreamKey is the field set to the stream name when AddStreamKey is on.
const StreamKey = "stream"

// MetadataKey is the field receiving configured metadata.
const MetadataKey = "metadata"

// preprocess adds the derived fields to r in place. Configured metadata is
// merged under any metadata the record already carries; on a key conflict
// the record wins.
func (c *Controller) preprocess(r record.Record) record.Record {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	if c.cfg.AddStreamKey {
		r.Fields[StreamKey] = c.cfg.Stream
	}
	if c.cfg.Metadata == nil {
		return r
	}

	current, present := r.Fields[MetadataKey]
	if !present || current == nil {
		r.Fields[MetadataKey] = cloneValue(c.cfg.Metadata)
		return r
	}
	recordMeta, recordIsMap := current.(map[string]any)
	configMeta, configIsMap := c.cfg.Metadata.(map[string]any)
	if recordIsMap && configIsMap {
		merged := maps.Clone(configMeta)
		maps.Copy(merged, recordMeta)
		r.Fields[MetadataKey] = merged
	}
	return r
}

func cloneValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		return maps.Clone(m)
	}
	return v
}
