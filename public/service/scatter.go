package service

import (
	"context"
	"fmt"

	"github.com/destiny/zmq4/v25"
	"github.com/rs/zerolog"

	"github.com/palmkit/palmd/internal/broker"
	"github.com/palmkit/palmd/internal/envelope"
)

// ScatterConfig carries the enumerated options of a scatter service.
type ScatterConfig struct {
	Name          string
	PushAddress   string
	PullAddress   string
	BrokerAddress string
	MaxMessages   int
	Logger        zerolog.Logger
}

func (cfg *ScatterConfig) validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("scatter: name is required")
	}
	if cfg.PushAddress == "" || cfg.PullAddress == "" {
		return fmt.Errorf("scatter %s: push and pull addresses are required", cfg.Name)
	}
	if cfg.BrokerAddress == "" {
		return fmt.Errorf("scatter %s: broker address is required", cfg.Name)
	}
	if cfg.MaxMessages < 1 {
		return fmt.Errorf("scatter %s: max messages must be >= 1, got %d", cfg.Name, cfg.MaxMessages)
	}
	return nil
}

// PushPull is the scatter service: for each message the broker dispatches
// to it, Scatter multiplies the payload into derived tasks for the worker
// pool it owns, HandleFeedback consumes each per-task response, and one
// ReplyFeedback value goes back to the broker under the request key.
//
// The pool side is strictly push-one-pull-one: each derived task is pushed
// and its feedback pulled before the next push, so total feedback delivery
// to HandleFeedback is guaranteed.
//
// The service never inspects client envelopes; it is transparent to them.
type PushPull struct {
	name          string
	pushAddress   string
	pullAddress   string
	brokerAddress string
	maxMessages   int
	log           zerolog.Logger

	// Scatter produces the derived task payloads for one inbound
	// payload. Defaults to a single identity element.
	Scatter func(payload []byte) [][]byte
	// HandleFeedback consumes one pool response. Defaults to a no-op.
	HandleFeedback func(feedback []byte)
	// ReplyFeedback produces the single value returned to the broker
	// after the fan-out completes. Defaults to "0".
	ReplyFeedback func() []byte
}

// NewPushPull creates a scatter service from config.
func NewPushPull(cfg ScatterConfig) (*PushPull, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &PushPull{
		name:           cfg.Name,
		pushAddress:    cfg.PushAddress,
		pullAddress:    cfg.PullAddress,
		brokerAddress:  cfg.BrokerAddress,
		maxMessages:    cfg.MaxMessages,
		log:            cfg.Logger.With().Str("component", cfg.Name).Logger(),
		Scatter:        func(payload []byte) [][]byte { return [][]byte{payload} },
		HandleFeedback: func([]byte) {},
		ReplyFeedback:  func() []byte { return []byte("0") },
	}, nil
}

// Start binds the pool sockets, registers with the broker and serves up
// to MaxMessages dispatches, then closes all three sockets.
func (s *PushPull) Start(ctx context.Context) error {
	push := zmq4.NewPush(ctx)
	if err := push.Listen(s.pushAddress); err != nil {
		push.Close()
		return fmt.Errorf("%s: failed to bind push endpoint %s: %w", s.name, s.pushAddress, err)
	}
	defer push.Close()

	pull := zmq4.NewPull(ctx)
	if err := pull.Listen(s.pullAddress); err != nil {
		pull.Close()
		return fmt.Errorf("%s: failed to bind pull endpoint %s: %w", s.name, s.pullAddress, err)
	}
	defer pull.Close()

	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(s.name)))
	if err := sock.Dial(s.brokerAddress); err != nil {
		return fmt.Errorf("%s: failed to connect to broker at %s: %w", s.name, s.brokerAddress, err)
	}
	defer sock.Close()

	ready := envelope.Broker{Key: broker.ReadyKey, Payload: []byte("0")}
	if err := sock.Send(zmq4.NewMsg(ready.Marshal())); err != nil {
		return fmt.Errorf("%s: ready handshake failed: %w", s.name, err)
	}
	s.log.Info().Str("push", s.pushAddress).Str("pull", s.pullAddress).Msg("scatter service registered")

	for i := 0; i < s.maxMessages; i++ {
		msg, err := sock.Recv()
		if err != nil {
			return fmt.Errorf("%s: broker endpoint failed: %w", s.name, err)
		}
		var task envelope.Broker
		if err := task.Unmarshal(msg.Frames[0]); err != nil {
			s.log.Error().Err(err).Msg("dropping malformed dispatch")
			continue
		}

		for _, derived := range s.Scatter(task.Payload) {
			if err := push.Send(zmq4.NewMsg(derived)); err != nil {
				return fmt.Errorf("%s: pool push failed: %w", s.name, err)
			}
			feedback, err := pull.Recv()
			if err != nil {
				return fmt.Errorf("%s: pool pull failed: %w", s.name, err)
			}
			s.HandleFeedback(feedback.Frames[0])
		}

		reply := envelope.Broker{Key: task.Key, Payload: s.ReplyFeedback()}
		if err := sock.Send(zmq4.NewMsg(reply.Marshal())); err != nil {
			return fmt.Errorf("%s: broker endpoint failed: %w", s.name, err)
		}
		s.log.Debug().Str("key", task.Key).Msg("fan-out complete")
	}

	s.log.Info().Int("messages", s.maxMessages).Msg("message budget reached, stopping")
	return nil
}
