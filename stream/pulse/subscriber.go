package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/stream/pulse/clients/pulse"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client pulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "turnpipe_subscriber".
		SinkName string
		// Buffer specifies the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber tails session streams and decodes the envelopes the sink
	// published.
	Subscriber struct {
		client pulse.Client
		name   string
		buffer int
	}

	// Received is one envelope read back from a session stream. The payload
	// stays raw so callers decode only the kinds they care about.
	Received struct {
		Type      string
		SessionID string
		Seq       int64
		AgentID   string
		Timestamp time.Time
		Payload   json.RawMessage
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; SinkName and Buffer default when unset.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "turnpipe_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the given session stream and returns
// channels for envelopes and errors. A goroutine consumes from the sink,
// decodes each entry, and acks it after delivery. The returned cancel
// function stops consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, "session/abc123")
//	defer cancel()
//	for env := range envs {
//	    // render env
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan Received, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan Received, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, errs, cancelFunc, nil
}

// consume reads entries from the sink, decodes them, and emits them on out,
// acking each after delivery. Both channels close when ctx is canceled or
// the sink channel closes; a decode or ack failure is reported on errs and
// stops consumption.
func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- Received, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode envelope: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, entry); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the JSON envelope the sink publishes.
func decodeEnvelope(payload []byte) (Received, error) {
	var env struct {
		Type      string          `json:"type"`
		SessionID string          `json:"session_id"`
		Seq       int64           `json:"seq"`
		AgentID   string          `json:"agent_id"`
		Timestamp time.Time       `json:"ts"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return Received{}, err
	}
	return Received{
		Type:      env.Type,
		SessionID: env.SessionID,
		Seq:       env.Seq,
		AgentID:   env.AgentID,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}, nil
}

// DecodePayload unmarshals the kind-specific payload struct for the
// envelope's type. Callers type-assert the pointer they expect.
func (r Received) DecodePayload() (any, error) {
	var out any
	switch event.Kind(r.Type) {
	case event.KindThinking:
		out = &ThinkingPayload{}
	case event.KindAssistantMessage:
		out = &MessagePayload{}
	case event.KindToolRequest:
		out = &ToolRequestPayload{}
	case event.KindToolResponse:
		out = &ToolResponsePayload{}
	case event.KindAgentChanged:
		out = &HandoffPayload{}
	case event.KindCompletion:
		out = &CompletionPayload{}
	default:
		return nil, fmt.Errorf("%w: %s", event.ErrUnknownKind, r.Type)
	}
	if len(r.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", r.Type, err)
	}
	return out, nil
}
