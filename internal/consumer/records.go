package consumer

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/metrics"
	"github.com/dray-io/meshsync/internal/transport"
)

// process runs one polled record through the bootstrap filter, the
// recipient filter and decoding, and queues what survives.
func (c *Consumer) process(r transport.Record) {
	if c.load != nil {
		switch c.load.Accept(r, time.Now()) {
		case VerdictSkip:
			c.metrics.RecordOutcome(c.cfg.Topic, metrics.OutcomeSkipped)
			return
		case VerdictDuplicate:
			return
		case VerdictMarker:
			elapsed := c.load.Elapsed(time.Now())
			skipped := c.load.Skipped()
			c.metrics.RecordBootstrap(elapsed.Seconds(), skipped)
			c.logger.Infof("initial load complete", map[string]any{
				"skipped":  skipped,
				"attempts": c.load.Attempts(),
				"elapsed":  elapsed.String(),
			})
		}
	}

	if recipient, ok := r.Headers[envelope.HeaderRecipient]; ok {
		if !strings.Contains(recipient, "monitor") && recipient != c.cfg.Origin {
			c.metrics.RecordOutcome(c.cfg.Topic, metrics.OutcomeFiltered)
			c.logger.Errorf("record addressed to another origin dropped", map[string]any{
				"recipient": recipient,
				"offset":    r.Offset,
			})
			return
		}
	}

	if _, ok := r.Headers[envelope.HeaderEmbed]; ok {
		c.processEmbedded(r)
		return
	}
	c.processPlain(r)
}

func (c *Consumer) processEmbedded(r transport.Record) {
	env, err := envelope.Decode(r.Value)
	if err != nil {
		c.metrics.RecordOutcome(c.cfg.Topic, metrics.OutcomeDecodeError)
		c.logger.Warnf("undecodable embedded event dropped", map[string]any{
			"offset": r.Offset,
			"error":  err.Error(),
		})
		return
	}

	if env.To == "" {
		c.metrics.RecordOutcome(c.cfg.Topic, metrics.OutcomeSegment)
		payload, complete, err := c.assembler.Add(env)
		if err != nil {
			c.logger.Warnf("invalid multipart segment dropped", map[string]any{
				"offset": r.Offset,
				"error":  err.Error(),
			})
			return
		}
		if !complete {
			return
		}
		env, err = envelope.Decode(payload)
		if err != nil {
			c.metrics.RecordOutcome(c.cfg.Topic, metrics.OutcomeDecodeError)
			c.logger.Warnf("undecodable multipart payload dropped", map[string]any{"error": err.Error()})
			return
		}
		if env.To == "" {
			c.logger.Warn("multipart payload without destination dropped")
			return
		}
	}

	env.To = strings.TrimSuffix(env.To, envelope.MonitorQualifier)
	c.metrics.RecordOutcome(c.cfg.Topic, metrics.OutcomeDispatched)
	c.queue.push(task{env: env, deliver: c.deliverEmbedded})
}

func (c *Consumer) deliverEmbedded(ctx context.Context, env *envelope.Envelope) error {
	if c.cfg.Router != nil {
		return c.cfg.Router.Deliver(ctx, env)
	}
	return c.cfg.Handler.HandleEvent(ctx, env)
}

func (c *Consumer) processPlain(r transport.Record) {
	headers := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		headers[k] = v
	}
	if r.Partition >= 0 && r.Offset != transport.NoOffset {
		headers[envelope.HeaderOffset] = strconv.FormatInt(r.Offset, 10)
	}

	body, err := envelope.DecodeBody(headers[envelope.HeaderDataType], r.Value)
	if err != nil {
		c.metrics.RecordOutcome(c.cfg.Topic, metrics.OutcomeDecodeError)
		c.logger.Warnf("undecodable record dropped", map[string]any{
			"offset": r.Offset,
			"error":  err.Error(),
		})
		return
	}

	to := c.cfg.Topic
	if c.cfg.Partition >= 0 {
		to = c.cfg.Topic + "." + strconv.Itoa(int(c.cfg.Partition))
	}
	env := envelope.New(to, headers, body)

	c.metrics.RecordOutcome(c.cfg.Topic, metrics.OutcomeDispatched)
	c.queue.push(task{env: env, deliver: c.cfg.Handler.HandleEvent})
}
