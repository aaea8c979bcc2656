package pubsub

import (
	"context"

	"github.com/dray-io/meshsync/internal/envelope"
)

// InboxTopic returns the topic an origin's registry mailbox is served on.
func InboxTopic(prefix, origin string) string {
	return prefix + "." + origin
}

// Mailer delivers registry messages between nodes. Remote origins are
// reached through their inbox topic; messages to self skip the transport.
type Mailer struct {
	svc    *Service
	origin string
	prefix string
}

// NewMailer returns a mailer for the local origin.
func NewMailer(svc *Service, origin, inboxPrefix string) *Mailer {
	return &Mailer{svc: svc, origin: origin, prefix: inboxPrefix}
}

// Send publishes env to origin's inbox, partition 0.
func (m *Mailer) Send(ctx context.Context, origin string, env *envelope.Envelope) error {
	if origin == m.origin {
		return m.svc.router.Deliver(ctx, env.Clone())
	}
	return m.svc.PublishEvent(ctx, InboxTopic(m.prefix, origin), 0, origin, env)
}
