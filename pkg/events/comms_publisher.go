package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/contextbus/pkg/commsutil"
	"github.com/morezero/contextbus/pkg/envelope"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// TapSubject overrides the base event tap subject.
	TapSubject string
}

// CommsPublisher mirrors bridged events to COMMS subjects derived from their
// target path.
type CommsPublisher struct {
	nc         *comms.Conn
	tapSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	tap := commsutil.SubjectEventTap
	if opts != nil && opts.TapSubject != "" {
		tap = opts.TapSubject
	}
	return &CommsPublisher{nc: nc, tapSubject: tap}
}

// PublishEvent publishes env on the tap subject for its target path.
func (p *CommsPublisher) PublishEvent(_ context.Context, env *envelope.Envelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	subject := commsutil.BuildEventTapSubject(p.tapSubject, env.TargetPath)
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published event %s to %s", commsPublisherLogPrefix, env.ID, subject))
	return nil
}
