// Package events implements the event bridge: dedup of redelivered events
// and scope-filtered fan-out to local listeners.
package events

import (
	"context"

	"github.com/morezero/contextbus/pkg/envelope"
)

// Listener receives one bridged event. path is the resolved local path.
type Listener func(ctx context.Context, path string, env *envelope.Envelope)

// Outcome reports what the bridge did with one event.
type Outcome struct {
	Deduplicated bool `json:"deduplicated"`
	Delivered    int  `json:"delivered"`
}
