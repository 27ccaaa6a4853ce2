package service_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/destiny/zmq4/v25"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palmkit/palmd/internal/broker"
	"github.com/palmkit/palmd/internal/cache"
	"github.com/palmkit/palmd/internal/envelope"
	"github.com/palmkit/palmd/public/service"
)

func TestWorkerEchoesKeyAndTransformsPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const addr = "tcp://127.0.0.1:15731"
	router := zmq4.NewRouter(ctx)
	require.NoError(t, router.Listen(addr))
	defer router.Close()

	w, err := service.NewWorker(service.WorkerConfig{
		Name:          "upper",
		BrokerAddress: addr,
		MaxMessages:   2,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	w.Handle = func(payload []byte) []byte {
		return []byte(strings.ToUpper(string(payload)))
	}

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Start(ctx) }()

	// Ready handshake first.
	msg, err := router.Recv()
	require.NoError(t, err)
	identity := msg.Frames[0]
	ready, err := envelope.ParseBroker(msg.Frames[1])
	require.NoError(t, err)
	assert.Equal(t, broker.ReadyKey, ready.Key)

	for _, payload := range []string{"abc", "def"} {
		key := envelope.NewKey()
		task := envelope.Broker{Key: key, Payload: []byte(payload)}
		require.NoError(t, router.Send(zmq4.NewMsgFrom(identity, task.Marshal())))

		msg, err := router.Recv()
		require.NoError(t, err)
		feedback, err := envelope.ParseBroker(msg.Frames[1])
		require.NoError(t, err)
		assert.Equal(t, key, feedback.Key)
		assert.Equal(t, strings.ToUpper(payload), string(feedback.Payload))
	}

	select {
	case err := <-workerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after its message budget")
	}
}

func TestScatterFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const (
		brokerAddr = "tcp://127.0.0.1:15721"
		pushAddr   = "tcp://127.0.0.1:15722"
		pullAddr   = "tcp://127.0.0.1:15723"
	)

	router := zmq4.NewRouter(ctx)
	require.NoError(t, router.Listen(brokerAddr))
	defer router.Close()

	s, err := service.NewPushPull(service.ScatterConfig{
		Name:          "fanout",
		PushAddress:   pushAddr,
		PullAddress:   pullAddr,
		BrokerAddress: brokerAddr,
		MaxMessages:   1,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	var feedbacks atomic.Int32
	s.Scatter = func(payload []byte) [][]byte {
		return [][]byte{payload, payload, payload}
	}
	s.HandleFeedback = func(feedback []byte) {
		assert.Equal(t, "m!", string(feedback))
		feedbacks.Add(1)
	}
	s.ReplyFeedback = func() []byte {
		return []byte("all done")
	}

	scatterDone := make(chan error, 1)
	go func() { scatterDone <- s.Start(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Pool of two workers pulling tasks and pushing feedback back.
	for i := 0; i < 2; i++ {
		go func() {
			tasks := zmq4.NewPull(ctx)
			defer tasks.Close()
			if err := tasks.Dial(pushAddr); err != nil {
				return
			}
			results := zmq4.NewPush(ctx)
			defer results.Close()
			if err := results.Dial(pullAddr); err != nil {
				return
			}
			for {
				msg, err := tasks.Recv()
				if err != nil {
					return
				}
				out := append(msg.Frames[0], '!')
				if err := results.Send(zmq4.NewMsg(out)); err != nil {
					return
				}
			}
		}()
	}

	// Play the broker's outbound side: consume the ready handshake,
	// dispatch one message, await the aggregated feedback.
	msg, err := router.Recv()
	require.NoError(t, err)
	identity := msg.Frames[0]
	ready, err := envelope.ParseBroker(msg.Frames[1])
	require.NoError(t, err)
	require.Equal(t, broker.ReadyKey, ready.Key)

	key := envelope.NewKey()
	task := envelope.Broker{Key: key, Payload: []byte("m")}
	require.NoError(t, router.Send(zmq4.NewMsgFrom(identity, task.Marshal())))

	msg, err = router.Recv()
	require.NoError(t, err)
	reply, err := envelope.ParseBroker(msg.Frames[1])
	require.NoError(t, err)
	assert.Equal(t, key, reply.Key)
	assert.Equal(t, "all done", string(reply.Payload))
	assert.Equal(t, int32(3), feedbacks.Load())

	select {
	case err := <-scatterDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scatter service did not stop after its message budget")
	}
}

// TestPALMRoundTrip runs the whole chain: an external client sends a PALM
// envelope to a rep service, the broker pairs it with an uppercasing
// worker, and the client receives the original envelope with only its
// payload rewritten.
func TestPALMRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const (
		inboundAddr  = "tcp://127.0.0.1:15711"
		outboundAddr = "tcp://127.0.0.1:15712"
		listenAddr   = "tcp://127.0.0.1:15713"
	)

	b, err := broker.New(broker.Config{
		InboundAddress:  inboundAddr,
		OutboundAddress: outboundAddr,
		MaxMessages:     3, // ready + request + feedback
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	b.RegisterInbound("gateway", broker.InboundRegistration{Route: "upper", Block: true})
	b.RegisterOutbound("upper", broker.OutboundRegistration{})

	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	w, err := service.NewWorker(service.WorkerConfig{
		Name:          "upper",
		BrokerAddress: outboundAddr,
		MaxMessages:   1,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	w.Handle = func(payload []byte) []byte {
		return []byte(strings.ToUpper(string(payload)))
	}
	go w.Start(ctx)

	in, err := service.NewRepService(service.InboundConfig{
		Name:          "gateway",
		ListenAddress: listenAddr,
		BrokerAddress: inboundAddr,
		PALM:          true,
		MaxMessages:   1,
		Logger:        zerolog.Nop(),
		Cache:         cache.NewMemory(),
	})
	require.NoError(t, err)
	go in.Start(ctx)
	time.Sleep(200 * time.Millisecond)

	request := envelope.Client{
		Client:   "c1",
		Pipeline: "p",
		Payload:  []byte("hello"),
	}

	client := zmq4.NewReq(ctx)
	defer client.Close()
	require.NoError(t, client.Dial(listenAddr))
	require.NoError(t, client.Send(zmq4.NewMsg(request.Marshal())))

	msg, err := client.Recv()
	require.NoError(t, err)

	reply, err := envelope.ParseClient(msg.Frames[0])
	require.NoError(t, err)
	assert.Equal(t, "c1", reply.Client)
	assert.Equal(t, "p", reply.Pipeline)
	assert.Equal(t, []byte("HELLO"), reply.Payload)

	// Byte-exact: the reply is the request with only the payload field
	// rewritten.
	expected := request
	expected.Payload = []byte("HELLO")
	assert.Equal(t, expected.Marshal(), msg.Frames[0])

	select {
	case err := <-brokerDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not exhaust its message budget")
	}
}
