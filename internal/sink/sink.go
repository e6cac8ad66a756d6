// Package sink drives one stream from accumulated records to reconciled
// delivery state.
package sink

import (
	"context"

	"github.com/lsm/target-api/internal/client"
)

// Sender delivers one request to the destination. *client.Client is the
// production implementation.
type Sender interface {
	Send(ctx context.Context, req client.Request) (*client.Response, error)
}

// Mode selects how records are grouped into deliveries.
type Mode int

const (
	// ModeSingle sends every record on its own.
	ModeSingle Mode = iota
	// ModeBatch sends records as a JSON array once a threshold is reached.
	ModeBatch
)

func (m Mode) String() string {
	if m == ModeBatch {
		return "batch"
	}
	return "single"
}

// Phase is the drain state of a controller.
type Phase int

const (
	Idle Phase = iota
	Accumulating
	Delivering
	Reconciled
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Delivering:
		return "delivering"
	case Reconciled:
		return "reconciled"
	default:
		return "unknown"
	}
}
