package service

import (
	"context"
	"fmt"

	"github.com/destiny/zmq4/v25"
	"github.com/rs/zerolog"

	"github.com/palmkit/palmd/internal/broker"
	"github.com/palmkit/palmd/internal/envelope"
)

// WorkerConfig carries the enumerated options of an outbound component.
type WorkerConfig struct {
	Name          string
	BrokerAddress string
	MaxMessages   int
	Logger        zerolog.Logger
}

func (cfg *WorkerConfig) validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("worker: name is required")
	}
	if cfg.BrokerAddress == "" {
		return fmt.Errorf("worker %s: broker address is required", cfg.Name)
	}
	if cfg.MaxMessages < 1 {
		return fmt.Errorf("worker %s: max messages must be >= 1, got %d", cfg.Name, cfg.MaxMessages)
	}
	return nil
}

// Worker is an outbound component. It announces availability with the
// ready handshake, then loops: receive a dispatch, run Handle over the
// payload, echo the request key back with the result. The broker treats
// each reply both as feedback for the paired producer and as a fresh
// availability signal.
type Worker struct {
	name          string
	brokerAddress string
	maxMessages   int
	log           zerolog.Logger

	// Handle executes one unit of work. Defaults to identity.
	Handle func(payload []byte) []byte
}

// NewWorker creates a worker from config.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Worker{
		name:          cfg.Name,
		brokerAddress: cfg.BrokerAddress,
		maxMessages:   cfg.MaxMessages,
		log:           cfg.Logger.With().Str("component", cfg.Name).Logger(),
		Handle:        func(payload []byte) []byte { return payload },
	}, nil
}

// Start connects to the broker's outbound endpoint and processes up to
// MaxMessages dispatches, then closes the socket.
func (w *Worker) Start(ctx context.Context) error {
	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(w.name)))
	if err := sock.Dial(w.brokerAddress); err != nil {
		return fmt.Errorf("%s: failed to connect to broker at %s: %w", w.name, w.brokerAddress, err)
	}
	defer sock.Close()

	ready := envelope.Broker{Key: broker.ReadyKey, Payload: []byte("0")}
	if err := sock.Send(zmq4.NewMsg(ready.Marshal())); err != nil {
		return fmt.Errorf("%s: ready handshake failed: %w", w.name, err)
	}
	w.log.Info().Msg("worker registered with broker")

	for i := 0; i < w.maxMessages; i++ {
		msg, err := sock.Recv()
		if err != nil {
			return fmt.Errorf("%s: broker endpoint failed: %w", w.name, err)
		}
		var task envelope.Broker
		if err := task.Unmarshal(msg.Frames[0]); err != nil {
			w.log.Error().Err(err).Msg("dropping malformed dispatch")
			continue
		}
		w.log.Debug().Str("key", task.Key).Msg("handling dispatch")

		feedback := envelope.Broker{Key: task.Key, Payload: w.Handle(task.Payload)}
		if err := sock.Send(zmq4.NewMsg(feedback.Marshal())); err != nil {
			return fmt.Errorf("%s: broker endpoint failed: %w", w.name, err)
		}
	}

	w.log.Info().Int("messages", w.maxMessages).Msg("message budget reached, stopping")
	return nil
}
