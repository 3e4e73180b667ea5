package worker_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/filter"
	"github.com/influxdata/queryrelay/query"
	"github.com/influxdata/queryrelay/wire"
	"github.com/influxdata/queryrelay/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHub struct {
	toSubscribers chan *queryrelay.Message
	toPublishers  chan *queryrelay.Message
	tracked       chan int32
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		toSubscribers: make(chan *queryrelay.Message, 16),
		toPublishers:  make(chan *queryrelay.Message, 16),
		tracked:       make(chan int32, 16),
	}
}

func (h *fakeHub) IngressToSubscribers(_ context.Context, m *queryrelay.Message) error {
	h.toSubscribers <- m
	return nil
}

func (h *fakeHub) IngressToPublishers(_ context.Context, m *queryrelay.Message) error {
	h.toPublishers <- m
	return nil
}

func (h *fakeHub) Track(id int32) { h.tracked <- id }

func receive(t *testing.T, ch <-chan *queryrelay.Message) *queryrelay.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

// run starts w in the background. The returned channel receives Run's
// error; the worker is cancelled and awaited when the test ends.
func run(t *testing.T, w interface{ Run(context.Context) error }) (<-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- w.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return done, cancel
}

func TestPublisher_RequestReply(t *testing.T) {
	local, remote := net.Pipe()
	h := newFakeHub()
	w := worker.NewPublisher(3, local, h, worker.NewConfig())
	w.WithLogger(zaptest.NewLogger(t))
	run(t, w)

	require.NoError(t, wire.WriteFrame(remote, queryrelay.NewMessage([]byte("hello"))))

	req := receive(t, h.toSubscribers)
	require.Equal(t, "hello", string(req.Payload))
	require.Equal(t, 3, req.Origin)

	require.NoError(t, w.Publish(context.Background(), queryrelay.NewMessage([]byte("world"))))

	reply, err := wire.ReadFrame(remote)
	require.NoError(t, err)
	require.Equal(t, "world", string(reply.Payload))
	require.Eventually(t, func() bool { return w.Count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestPublisher_InitSequence(t *testing.T) {
	local, remote := net.Pipe()
	c := worker.NewConfig()
	c.Init = queryrelay.FrameMessage([]byte{0xfc, 0xff, 0xff, 0xff, 0, 0, 0, 0})
	w := worker.NewPublisher(0, local, newFakeHub(), c)
	run(t, w)

	greeting := make([]byte, 8)
	_, err := io.ReadFull(remote, greeting)
	require.NoError(t, err)
	require.Equal(t, []byte{0xfc, 0xff, 0xff, 0xff, 0, 0, 0, 0}, greeting)
}

func TestPublisher_ConnectionClosed(t *testing.T) {
	local, remote := net.Pipe()
	w := worker.NewPublisher(0, local, newFakeHub(), worker.NewConfig())
	done, _ := run(t, w)

	require.NoError(t, remote.Close())

	select {
	case err := <-done:
		require.Equal(t, queryrelay.EConnection, queryrelay.ErrorCode(err))
		require.False(t, queryrelay.IsFatal(err))
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not exit after its peer closed")
	}

	// A stopped worker stays in the roster; publishing to it must not block or fail.
	for i := 0; i < worker.DefaultMailboxSize+1; i++ {
		require.NoError(t, w.Publish(context.Background(), queryrelay.NewMessage(nil)))
	}
}

func TestPublisher_Cancelled(t *testing.T) {
	local, _ := net.Pipe()
	w := worker.NewPublisher(0, local, newFakeHub(), worker.NewConfig())
	done, cancel := run(t, w)

	cancel()
	select {
	case err := <-done:
		require.Equal(t, queryrelay.EInterrupted, queryrelay.ErrorCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not exit after cancel")
	}
}

func TestPublisher_Source(t *testing.T) {
	local, remote := net.Pipe()
	h := newFakeHub()
	w := worker.NewPublisher(1, local, h, worker.NewConfig())
	src := make(chan *queryrelay.Message, 1)
	w.SetSource(src)
	run(t, w)

	src <- queryrelay.NewMessage([]byte("scheduled"))
	req := receive(t, h.toSubscribers)
	require.Equal(t, "scheduled", string(req.Payload))
	require.Equal(t, 1, req.Origin)

	// The reply is consumed without being written to the connection.
	require.NoError(t, w.Publish(context.Background(), queryrelay.NewMessage([]byte("reply"))))
	require.Eventually(t, func() bool { return w.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := wire.ReadFrame(remote)
	require.Error(t, err)
}

func TestSubscriber_RequestReply(t *testing.T) {
	local, remote := net.Pipe()
	h := newFakeHub()
	w := worker.NewSubscriber(2, local, h, worker.NewConfig())
	w.WithLogger(zaptest.NewLogger(t))
	mc := clock.NewMock()
	w.Clock = mc
	run(t, w)

	req := queryrelay.NewMessage([]byte("hello"))
	req.ID = 9
	req.Origin = 4
	req.ReceivedAt = mc.Now()
	require.NoError(t, w.Publish(context.Background(), req))

	got, err := wire.ReadExtendedFrame(remote)
	require.NoError(t, err)
	require.Equal(t, int32(9), got.ID)
	require.Equal(t, "hello", string(got.Payload))

	select {
	case id := <-h.tracked:
		require.Equal(t, int32(9), id)
	case <-time.After(5 * time.Second):
		t.Fatal("request was not tracked")
	}

	mc.Add(15 * time.Millisecond)
	require.NoError(t, wire.WriteFrame(remote, queryrelay.NewMessage([]byte("AAAAA"))))

	reply := receive(t, h.toPublishers)
	require.Equal(t, "AAAAA", string(reply.Payload))
	require.Equal(t, int32(9), reply.ID)
	require.Equal(t, 4, reply.Origin)
	require.Equal(t, 15*time.Millisecond, reply.Latency)
}

func TestSubscriber_Filter(t *testing.T) {
	local, remote := net.Pipe()
	c := worker.NewConfig()
	c.Fields = filter.NewFieldSet("FindEntity", "AddEntity")
	w := worker.NewSubscriber(0, local, newFakeHub(), c)
	require.Equal(t, c.Fields, w.Fields())
	run(t, w)

	ctx := context.Background()
	addImage := queryrelay.NewMessage(query.Encode(query.Message{JSON: []byte(`[{"AddImage": {}}]`)}))
	addImage.ID = 0
	require.NoError(t, w.Publish(ctx, addImage))
	require.Equal(t, 0, w.Mailbox().Len())

	find := queryrelay.NewMessage(query.Encode(query.Message{JSON: []byte(`[{"FindEntity": {"class": "drone"}}]`)}))
	find.ID = 1
	require.NoError(t, w.Publish(ctx, find))

	got, err := wire.ReadExtendedFrame(remote)
	require.NoError(t, err)
	require.Equal(t, int32(1), got.ID)
}

func TestSubscriber_FilterMatchAll(t *testing.T) {
	local, remote := net.Pipe()
	c := worker.NewConfig()
	c.Fields = filter.NewFieldSet("AddEntity", "AddConnection")
	c.Match = filter.All
	w := worker.NewSubscriber(0, local, newFakeHub(), c)
	run(t, w)

	ctx := context.Background()
	partial := queryrelay.NewMessage(query.Encode(query.Message{JSON: []byte(`[{"AddEntity": {}}]`)}))
	partial.ID = 0
	require.NoError(t, w.Publish(ctx, partial))
	require.Equal(t, 0, w.Mailbox().Len())

	both := queryrelay.NewMessage(query.Encode(query.Message{JSON: []byte(`{"AddEntity": {}, "AddConnection": {}}`)}))
	both.ID = 1
	require.NoError(t, w.Publish(ctx, both))

	got, err := wire.ReadExtendedFrame(remote)
	require.NoError(t, err)
	require.Equal(t, int32(1), got.ID)
}

func TestSubscriber_FilterProtocolError(t *testing.T) {
	local, _ := net.Pipe()
	c := worker.NewConfig()
	c.Fields = filter.NewFieldSet("FindEntity")
	w := worker.NewSubscriber(0, local, newFakeHub(), c)

	err := w.Publish(context.Background(), queryrelay.NewMessage([]byte{0xff, 0xff}))
	require.True(t, queryrelay.IsFatal(err))
	require.Equal(t, queryrelay.EProtocol, queryrelay.ErrorCode(err))
}

func TestSubscriber_ConnectionClosed(t *testing.T) {
	local, remote := net.Pipe()
	w := worker.NewSubscriber(0, local, newFakeHub(), worker.NewConfig())
	done, _ := run(t, w)

	req := queryrelay.NewMessage([]byte("x"))
	req.ID = 0
	require.NoError(t, w.Publish(context.Background(), req))
	_, err := wire.ReadExtendedFrame(remote)
	require.NoError(t, err)

	// Peer goes away instead of replying.
	require.NoError(t, remote.Close())
	select {
	case err := <-done:
		require.Equal(t, queryrelay.EConnection, queryrelay.ErrorCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not exit after its peer closed")
	}
	require.NoError(t, w.Publish(context.Background(), req))
}
