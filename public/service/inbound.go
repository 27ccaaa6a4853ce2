// Package service provides the components that attach to the broker: the
// inbound producers that translate external requests into broker
// envelopes, the outbound workers that execute dispatched work, and the
// scatter service that fans one message out over a push/pull worker pool.
//
// Application behavior is injected through function-value hooks on each
// component (Process, Handle, Scatter, HandleFeedback, ReplyFeedback).
// Process, Handle and Scatter default to identity, HandleFeedback to a
// no-op, and ReplyFeedback to the fixed payload "0".
package service

import (
	"context"
	"fmt"

	"github.com/destiny/zmq4/v25"
	"github.com/rs/zerolog"

	"github.com/palmkit/palmd/internal/cache"
	"github.com/palmkit/palmd/internal/envelope"
)

// InboundConfig carries the enumerated options of an inbound component.
type InboundConfig struct {
	Name          string
	ListenAddress string
	BrokerAddress string
	PALM          bool
	MaxMessages   int
	Logger        zerolog.Logger
	Cache         cache.Cache
}

func (cfg *InboundConfig) validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("inbound: name is required")
	}
	if cfg.ListenAddress == "" {
		return fmt.Errorf("inbound %s: listen address is required", cfg.Name)
	}
	if cfg.BrokerAddress == "" {
		return fmt.Errorf("inbound %s: broker address is required", cfg.Name)
	}
	if cfg.MaxMessages < 1 {
		return fmt.Errorf("inbound %s: max messages must be >= 1, got %d", cfg.Name, cfg.MaxMessages)
	}
	if cfg.PALM && cfg.Cache == nil {
		return fmt.Errorf("inbound %s: PALM translation requires a cache", cfg.Name)
	}
	return nil
}

// Inbound accepts external requests, reshapes them into broker envelopes,
// forwards them to the broker and returns the broker's reply to the
// external caller. The reply-capable variant listens on a REP socket; the
// fire-and-forget variant listens on a PULL socket and discards results.
type Inbound struct {
	name          string
	listenAddress string
	brokerAddress string
	palm          bool
	reply         bool
	maxMessages   int
	log           zerolog.Logger
	cache         cache.Cache

	// Process transforms the response payload before the reply is
	// produced. Defaults to identity.
	Process func(payload []byte) []byte
}

// NewRepService creates the reply-capable inbound variant.
func NewRepService(cfg InboundConfig) (*Inbound, error) {
	return newInbound(cfg, true)
}

// NewPullService creates the fire-and-forget inbound variant.
func NewPullService(cfg InboundConfig) (*Inbound, error) {
	return newInbound(cfg, false)
}

func newInbound(cfg InboundConfig, reply bool) (*Inbound, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Inbound{
		name:          cfg.Name,
		listenAddress: cfg.ListenAddress,
		brokerAddress: cfg.BrokerAddress,
		palm:          cfg.PALM,
		reply:         reply,
		maxMessages:   cfg.MaxMessages,
		log:           cfg.Logger.With().Str("component", cfg.Name).Logger(),
		cache:         cfg.Cache,
		Process:       func(payload []byte) []byte { return payload },
	}, nil
}

// Start binds the listen socket, connects to the broker and processes up
// to MaxMessages requests, then closes both sockets.
func (c *Inbound) Start(ctx context.Context) error {
	var listen zmq4.Socket
	if c.reply {
		listen = zmq4.NewRep(ctx)
	} else {
		listen = zmq4.NewPull(ctx)
	}
	if err := listen.Listen(c.listenAddress); err != nil {
		listen.Close()
		return fmt.Errorf("%s: failed to bind %s: %w", c.name, c.listenAddress, err)
	}
	defer listen.Close()

	broker := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(c.name)))
	if err := broker.Dial(c.brokerAddress); err != nil {
		return fmt.Errorf("%s: failed to connect to broker at %s: %w", c.name, c.brokerAddress, err)
	}
	defer broker.Close()

	c.log.Info().Str("listen", c.listenAddress).Msg("inbound component started")

	for i := 0; i < c.maxMessages; i++ {
		msg, err := listen.Recv()
		if err != nil {
			return fmt.Errorf("%s: listen endpoint failed: %w", c.name, err)
		}
		reply, err := c.processRequest(broker, msg.Frames[0])
		if err != nil {
			c.log.Error().Err(err).Msg("request failed")
			if c.reply {
				reply = errorReply(err)
			} else {
				continue
			}
		}
		if c.reply {
			if err := listen.Send(zmq4.NewMsg(reply)); err != nil {
				return fmt.Errorf("%s: listen endpoint failed: %w", c.name, err)
			}
		}
	}

	c.log.Info().Int("messages", c.maxMessages).Msg("message budget reached, stopping")
	return nil
}

// processRequest runs one message through the broker round trip.
func (c *Inbound) processRequest(broker zmq4.Socket, data []byte) ([]byte, error) {
	request, key, err := c.translateToBroker(data)
	if err != nil {
		return nil, err
	}

	if err := broker.Send(zmq4.NewMsg(request)); err != nil {
		return nil, fmt.Errorf("broker send failed: %w", err)
	}
	c.log.Debug().Str("key", key).Msg("blocked waiting for broker")

	resp, err := broker.Recv()
	if err != nil {
		return nil, fmt.Errorf("broker receive failed: %w", err)
	}
	return c.translateFromBroker(key, resp.Frames[0])
}

// translateToBroker reshapes an external message into a broker envelope.
// PALM messages have their payload extracted and the original bytes parked
// in the correlation cache; binary messages travel as-is.
func (c *Inbound) translateToBroker(data []byte) ([]byte, string, error) {
	key := envelope.NewKey()
	payload := data
	if c.palm {
		client, err := envelope.ParseClient(data)
		if err != nil {
			return nil, "", fmt.Errorf("malformed client envelope: %w", err)
		}
		if err := c.cache.Put(key, data); err != nil {
			return nil, "", fmt.Errorf("cache store failed: %w", err)
		}
		payload = client.Payload
	}
	message := envelope.Broker{Key: key, Payload: payload}
	return message.Marshal(), key, nil
}

// translateFromBroker reshapes the broker's response into the external
// reply. For PALM the original client envelope is restored with only its
// payload replaced, and the cache entry is deleted once the reply has been
// built; on an error return the entry is left in the cache.
func (c *Inbound) translateFromBroker(key string, data []byte) ([]byte, error) {
	response, err := envelope.ParseBroker(data)
	if err != nil {
		return nil, fmt.Errorf("malformed broker response: %w", err)
	}
	if response.Key != key {
		c.log.Warn().Str("want", key).Str("got", response.Key).Msg("response key mismatch")
	}

	payload := c.Process(response.Payload)
	if !c.palm {
		return payload, nil
	}

	original, err := c.cache.Get(key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup for key %s failed: %w", key, err)
	}
	client, err := envelope.ParseClient(original)
	if err != nil {
		return nil, fmt.Errorf("cached envelope corrupt: %w", err)
	}
	client.Payload = payload
	out := client.Marshal()
	if err := c.cache.Delete(key); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cache delete failed")
	}
	return out, nil
}

// errorReply builds the error client envelope returned upstream when a
// request cannot be completed.
func errorReply(cause error) []byte {
	reply := envelope.Client{
		Function: "error",
		Payload:  []byte(cause.Error()),
	}
	return reply.Marshal()
}
