// Package broker implements the central message router of the runtime.
//
// The broker multiplexes many concurrent producers onto a pool of workers.
// It binds two ROUTER endpoints: producers attach to the inbound side,
// workers to the outbound side, each with a stable peer identity. One
// single-threaded event loop owns all routing state; socket readers feed
// it through channels, so every state mutation happens between two waits
// and is atomic with respect to other broker work.
//
// Routing state:
//   - available: FIFO multiset of workers that have sent feedback and not
//     yet received a new dispatch
//   - ledger: correlation key -> blocked producer awaiting that key
//   - buffer: worker -> at most one message that arrived while the worker
//     was busy
//
// The inbound side is gated: it is suspended while a blocking producer
// awaits feedback or a message sits in the buffer, and resumes only once a
// worker is available and both the buffer and the ledger are empty. A
// non-blocking dispatch does not suspend it. Outbound events are always
// serviced first since they may unblock producers.
package broker

import (
	"context"
	"fmt"

	"github.com/destiny/zmq4/v25"
	"github.com/rs/zerolog"

	"github.com/palmkit/palmd/internal/envelope"
)

// Ack is the canonical acknowledgement payload sent to producers whose
// message needs no feedback pairing.
var Ack = []byte("1")

// ReadyKey is the sentinel correlation key of a worker's first message,
// distinguishing the availability handshake from a real reply.
const ReadyKey = "0"

// InboundRegistration describes one producer identity to the broker.
type InboundRegistration struct {
	// Route names the outbound component this producer's messages are
	// dispatched to. Empty means reply immediately with an
	// acknowledgement and dispatch nothing.
	Route string
	// Block marks a producer that must not be acknowledged until its
	// paired worker feedback arrives.
	Block bool
	// Log is a display string for operators.
	Log string
}

// OutboundRegistration describes one worker identity to the broker.
type OutboundRegistration struct {
	Log string
}

// Config carries the enumerated broker options.
type Config struct {
	Name            string
	InboundAddress  string
	OutboundAddress string
	MaxMessages     int
	Logger          zerolog.Logger
}

// socket is the slice of zmq4.Socket the broker needs. Tests substitute
// an in-memory implementation.
type socket interface {
	Listen(ep string) error
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// event is one message read from a ROUTER endpoint.
type event struct {
	sender string
	data   []byte
}

// buffered is the single-slot buffer entry for a busy worker. The sender
// identity and blocking flag travel with the message so the ledger entry
// (or the acknowledgement) can be produced when the slot drains.
type buffered struct {
	sender string
	key    string
	block  bool
	data   []byte
}

// Broker is the central router. Not safe for concurrent use; all methods
// except Run are meant to be called before Run starts.
type Broker struct {
	name            string
	inboundAddress  string
	outboundAddress string
	maxMessages     int
	log             zerolog.Logger

	inbound  socket
	outbound socket

	inboundComponents  map[string]InboundRegistration
	outboundComponents map[string]OutboundRegistration

	available     []string
	ledger        map[string]string
	buffer        map[string]buffered
	inboundActive bool
}

// New creates a broker from config. Registrations are added with
// RegisterInbound / RegisterOutbound before Run.
func New(cfg Config) (*Broker, error) {
	if cfg.InboundAddress == "" || cfg.OutboundAddress == "" {
		return nil, fmt.Errorf("broker: both endpoint addresses are required")
	}
	if cfg.MaxMessages < 1 {
		return nil, fmt.Errorf("broker: max_messages must be >= 1, got %d", cfg.MaxMessages)
	}
	name := cfg.Name
	if name == "" {
		name = "broker"
	}
	return &Broker{
		name:               name,
		inboundAddress:     cfg.InboundAddress,
		outboundAddress:    cfg.OutboundAddress,
		maxMessages:        cfg.MaxMessages,
		log:                cfg.Logger.With().Str("broker", name).Logger(),
		inboundComponents:  make(map[string]InboundRegistration),
		outboundComponents: make(map[string]OutboundRegistration),
		ledger:             make(map[string]string),
		buffer:             make(map[string]buffered),
	}, nil
}

// RegisterInbound registers a producer identity.
func (b *Broker) RegisterInbound(name string, reg InboundRegistration) {
	b.inboundComponents[name] = reg
}

// RegisterOutbound registers a worker identity.
func (b *Broker) RegisterOutbound(name string, reg OutboundRegistration) {
	b.outboundComponents[name] = reg
}

// Run binds both endpoints and drives the event loop for MaxMessages
// iterations, then tears down. It returns earlier when ctx is cancelled or
// an endpoint fails. On teardown every producer still in the ledger or the
// buffer receives a synthetic error envelope carrying its outstanding key.
func (b *Broker) Run(ctx context.Context) error {
	if b.inbound == nil {
		inbound := zmq4.NewRouter(ctx)
		if err := inbound.Listen(b.inboundAddress); err != nil {
			inbound.Close()
			return fmt.Errorf("broker: failed to bind inbound endpoint %s: %w", b.inboundAddress, err)
		}
		outbound := zmq4.NewRouter(ctx)
		if err := outbound.Listen(b.outboundAddress); err != nil {
			inbound.Close()
			outbound.Close()
			return fmt.Errorf("broker: failed to bind outbound endpoint %s: %w", b.outboundAddress, err)
		}
		b.inbound = inbound
		b.outbound = outbound
	}

	b.log.Info().
		Str("inbound", b.inboundAddress).
		Str("outbound", b.outboundAddress).
		Msg("broker listening")

	inboundCh := make(chan event, 64)
	outboundCh := make(chan event, 64)
	readErr := make(chan error, 2)
	go b.readLoop(b.inbound, inboundCh, readErr)
	go b.readLoop(b.outbound, outboundCh, readErr)

	defer b.teardown()

	for i := 0; i < b.maxMessages; i++ {
		// Outbound first: feedback may enable more producers.
		select {
		case ev := <-outboundCh:
			b.handleOutbound(ev)
			continue
		default:
		}

		var inCh chan event
		if b.inboundActive {
			inCh = inboundCh
		}
		select {
		case ev := <-outboundCh:
			b.handleOutbound(ev)
		case ev := <-inCh:
			b.handleInbound(ev)
		case err := <-readErr:
			b.log.Error().Err(err).Msg("endpoint failed, terminating loop")
			return err
		case <-ctx.Done():
			b.log.Info().Msg("context cancelled, terminating loop")
			return ctx.Err()
		}
	}

	b.log.Info().Int("messages", b.maxMessages).Msg("message budget reached, shutting down")
	return nil
}

// readLoop feeds one endpoint into the event loop. A ROUTER message is
// [peer identity, payload]; messages with fewer than two frames are
// dropped here, and of a longer message the last frame is the payload.
func (b *Broker) readLoop(sock socket, ch chan<- event, readErr chan<- error) {
	for {
		msg, err := sock.Recv()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		if len(msg.Frames) < 2 {
			b.log.Error().Int("frames", len(msg.Frames)).Msg("dropping short multipart message")
			continue
		}
		ch <- event{
			sender: string(msg.Frames[0]),
			data:   msg.Frames[len(msg.Frames)-1],
		}
	}
}

// handleOutbound processes one worker feedback message.
func (b *Broker) handleOutbound(ev event) {
	var feedback envelope.Broker
	if err := feedback.Unmarshal(ev.data); err != nil {
		b.log.Error().Err(err).Str("worker", ev.sender).Msg("dropping malformed feedback")
		return
	}
	b.log.Debug().Str("worker", ev.sender).Str("key", feedback.Key).Msg("outbound event")

	if slot, ok := b.buffer[ev.sender]; ok {
		// The worker had a message waiting: dispatch it right away and
		// settle the buffered sender.
		delete(b.buffer, ev.sender)
		b.sendOutbound(ev.sender, slot.data)
		if slot.block {
			b.ledger[slot.key] = slot.sender
		} else {
			b.sendInbound(slot.sender, slot.key, Ack)
		}
		b.log.Debug().Str("worker", ev.sender).Str("key", slot.key).Msg("drained buffered message")
	} else {
		b.available = append(b.available, ev.sender)
		b.log.Debug().Str("worker", ev.sender).Msg("worker available")
	}

	if component, ok := b.ledger[feedback.Key]; ok {
		delete(b.ledger, feedback.Key)
		b.sendInbound(component, feedback.Key, feedback.Payload)
		b.log.Debug().Str("component", component).Str("key", feedback.Key).Msg("unblocked pending inbound")
	}

	if len(b.available) > 0 && len(b.buffer) == 0 && len(b.ledger) == 0 {
		b.inboundActive = true
	}
}

// handleInbound processes one producer request.
func (b *Broker) handleInbound(ev event) {
	registration, ok := b.inboundComponents[ev.sender]
	if !ok {
		b.log.Error().Str("component", ev.sender).Msg("unknown inbound identity, dropping message")
		return
	}

	var message envelope.Broker
	if err := message.Unmarshal(ev.data); err != nil {
		b.log.Error().Err(err).Str("component", ev.sender).Msg("dropping malformed request")
		return
	}
	b.log.Debug().Str("component", ev.sender).Str("key", message.Key).Msg("inbound event")

	if registration.Route == "" {
		b.sendInbound(ev.sender, message.Key, Ack)
		return
	}

	if b.takeAvailable(registration.Route) {
		b.sendOutbound(registration.Route, ev.data)
		if registration.Block {
			b.ledger[message.Key] = ev.sender
			b.inboundActive = false
			b.log.Debug().Str("component", ev.sender).Str("key", message.Key).Msg("inbound waiting for feedback")
		} else {
			b.sendInbound(ev.sender, message.Key, Ack)
		}
		return
	}

	// Routed worker busy: hold the message in its single slot.
	if slot, occupied := b.buffer[registration.Route]; occupied {
		b.log.Error().
			Str("worker", registration.Route).
			Str("held_key", slot.key).
			Str("dropped_key", message.Key).
			Msg("buffer slot occupied, dropping message")
		return
	}
	b.buffer[registration.Route] = buffered{
		sender: ev.sender,
		key:    message.Key,
		block:  registration.Block,
		data:   ev.data,
	}
	b.inboundActive = false
	b.log.Debug().Str("worker", registration.Route).Str("key", message.Key).Msg("message buffered")
}

// takeAvailable removes the first occurrence of worker from the
// availability FIFO and reports whether it was present.
func (b *Broker) takeAvailable(worker string) bool {
	for i, w := range b.available {
		if w == worker {
			b.available = append(b.available[:i], b.available[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Broker) sendInbound(component, key string, payload []byte) {
	reply := envelope.Broker{Key: key, Payload: payload}
	msg := zmq4.NewMsgFrom([]byte(component), reply.Marshal())
	if err := b.inbound.Send(msg); err != nil {
		b.log.Error().Err(err).Str("component", component).Msg("failed to send to inbound component")
	}
}

func (b *Broker) sendOutbound(worker string, data []byte) {
	msg := zmq4.NewMsgFrom([]byte(worker), data)
	if err := b.outbound.Send(msg); err != nil {
		b.log.Error().Err(err).Str("worker", worker).Msg("failed to send to worker")
	}
}

// teardown fails every still-blocked producer with a synthetic error
// envelope, then closes both endpoints.
func (b *Broker) teardown() {
	for key, component := range b.ledger {
		b.sendInbound(component, key, []byte("error: broker terminated"))
		delete(b.ledger, key)
	}
	for worker, slot := range b.buffer {
		b.sendInbound(slot.sender, slot.key, []byte("error: broker terminated"))
		delete(b.buffer, worker)
	}
	if b.inbound != nil {
		b.inbound.Close()
	}
	if b.outbound != nil {
		b.outbound.Close()
	}
}
