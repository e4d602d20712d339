package agentbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/interceptors"
)

// Handler handles envelopes for an agent served by Serve. A nil error
// acknowledges the delivery and any error fails it.
type Handler = interceptors.Handler

// HandlerFunc adapts a function to Handler
type HandlerFunc = interceptors.HandlerFunc

// Answerer is an agent that replies to what it receives. Serve sends the
// returned payload back to the sender as a reply on the same topic and
// trace.
type Answerer interface {
	Answer(ctx context.Context, env *contracts.Envelope) (map[string]any, error)
}

// Serve receives envelopes for agent and runs them through the interceptor
// chain into the agent's handle, acknowledging successes and failing
// errors, until ctx ends or the bus closes. The handle given to
// RegisterAgent must implement Handler or Answerer.
func (b *Bus) Serve(ctx context.Context, agent string) error {
	h, ok := b.handle(agent)
	if !ok {
		return &UnknownAgentError{Name: agent}
	}
	handler, err := b.handlerFor(agent, h)
	if err != nil {
		return err
	}

	b.logger.Info("Serving agent", "agent", agent, "interceptors", b.chain.Names())
	for {
		d, err := b.Receive(ctx, agent, 0)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive for %s: %w", agent, err)
		}
		if d == nil {
			continue
		}

		// settle even if ctx ended while the handler ran
		settleCtx := context.WithoutCancel(ctx)
		if herr := b.chain.Execute(ctx, d.Envelope, handler); herr != nil {
			err = b.Fail(settleCtx, d.ID, herr.Error())
		} else {
			err = b.Ack(settleCtx, d.ID, true)
		}
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			return fmt.Errorf("settle %s: %w", d.ID, err)
		}
	}
}

func (b *Bus) handlerFor(agent string, h any) (Handler, error) {
	switch h := h.(type) {
	case Handler:
		return h, nil
	case func(context.Context, *contracts.Envelope) error:
		return HandlerFunc(h), nil
	case Answerer:
		return b.replier(h), nil
	default:
		return nil, fmt.Errorf("%w: %s registered a %T", ErrNoHandler, agent, h)
	}
}

// replier sends answers back to the sender when the sender is registered
func (b *Bus) replier(a Answerer) Handler {
	return HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		reply, err := a.Answer(ctx, env)
		if err != nil {
			return err
		}
		if reply == nil {
			return nil
		}
		if !b.registered(env.From) {
			b.logger.Warn("Dropping reply to unregistered sender",
				"envelopeId", env.ID,
				"agent", env.To,
				"from", env.From)
			return nil
		}
		_, err = b.Send(ctx, env.From, reply,
			WithFrom(env.To),
			WithType(contracts.TypeReply),
			WithTopic(env.Topic),
			WithTraceID(env.Meta.TraceID),
			WithMeta(map[string]any{"in_reply_to": env.ID}))
		return err
	})
}
