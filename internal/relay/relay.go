// Package relay implements C9, the optional frame relay: a probe process
// captures on a remote host and forwards raw frames over NATS to an engine
// process that does the decoding and analysis. Frames are gob-encoded
// rather than protobuf, since no protoc toolchain is available in this
// environment; NATS itself is exactly the teacher's probe/engine transport.
package relay

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Envelope is the wire format placed on the NATS subject: one captured
// frame plus its capture metadata.
type Envelope struct {
	CaptureTime time.Time
	Interface   string
	Data        []byte
}

// Encode gob-serializes an Envelope for publication.
func Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("relay: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("relay: decode envelope: %w", err)
	}
	return env, nil
}

// Publisher connects to NATS and publishes frame envelopes to one subject.
// This is the probe side of C9.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher dials natsURL and returns a Publisher bound to subject.
func NewPublisher(natsURL, subject string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("relay: connect to %s: %w", natsURL, err)
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

// Publish encodes and sends one frame. Publish errors are non-fatal to the
// caller's capture loop — the probe logs and keeps capturing, per the
// relay's best-effort delivery model.
func (p *Publisher) Publish(env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Close flushes and closes the NATS connection.
func (p *Publisher) Close() {
	p.nc.Close()
}

// Source subscribes to a NATS subject and yields decoded envelopes. This is
// the engine side of C9, substituting for a local capture.Source when
// running against a remote probe.
type Source struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	envs chan Envelope
	errs chan error
}

// NewSource dials natsURL and subscribes to subject, buffering decoded
// envelopes for the caller to drain via Envelopes().
func NewSource(natsURL, subject string) (*Source, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("relay: connect to %s: %w", natsURL, err)
	}

	s := &Source{
		nc:   nc,
		envs: make(chan Envelope, 1024),
		errs: make(chan error, 16),
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		env, err := Decode(msg.Data)
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}
		select {
		case s.envs <- env:
		default:
			// Subscriber backlog full: drop the oldest buffered
			// envelope to make room, matching the bounded drop-oldest
			// policy the local MPSC queue uses.
			select {
			case <-s.envs:
			default:
			}
			select {
			case s.envs <- env:
			default:
			}
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay: subscribe to %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

// Envelopes returns the channel of decoded frame envelopes.
func (s *Source) Envelopes() <-chan Envelope { return s.envs }

// Errors returns decode/transport errors observed while subscribed.
func (s *Source) Errors() <-chan error { return s.errs }

// Close unsubscribes and closes the NATS connection.
func (s *Source) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.nc.Close()
}
