package brokerconn

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meticulous-software/meticulous/internal/dispatcher"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

func TestOutboxPreservesOrderAndDrainsAfterClose(t *testing.T) {
	o := NewOutbox()
	o.Send(&protocol.GetArtifact{Digest: protocol.DigestOf([]byte("1"))})
	o.Send(&protocol.GetArtifact{Digest: protocol.DigestOf([]byte("2"))})
	o.Close()
	o.Send(&protocol.GetArtifact{Digest: protocol.DigestOf([]byte("dropped"))})

	m1, ok := o.Next()
	require.True(t, ok)
	m2, ok := o.Next()
	require.True(t, ok)
	assert.Equal(t, protocol.DigestOf([]byte("1")), m1.(*protocol.GetArtifact).Digest)
	assert.Equal(t, protocol.DigestOf([]byte("2")), m2.(*protocol.GetArtifact).Digest)

	_, ok = o.Next()
	assert.False(t, ok)
}

func TestOutboxNextBlocksUntilSend(t *testing.T) {
	o := NewOutbox()
	var wg sync.WaitGroup
	wg.Add(1)
	var got protocol.Message
	go func() {
		defer wg.Done()
		got, _ = o.Next()
	}()
	time.Sleep(10 * time.Millisecond)
	o.Send(&protocol.Hello{Slots: 1})
	wg.Wait()
	assert.Equal(t, &protocol.Hello{Slots: 1}, got)
}

func TestDialTCPSendsHelloFirst(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	type accepted struct {
		conn net.Conn
		msg  protocol.Message
	}
	acceptedCh := make(chan accepted, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		msg, _ := protocol.ReadMessage(bufio.NewReader(conn))
		acceptedCh <- accepted{conn: conn, msg: msg}
	}()

	c, err := DialTCP(l.Addr().String(), 8, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	got := <-acceptedCh
	t.Cleanup(func() { _ = got.conn.Close() })
	require.Equal(t, &protocol.Hello{Slots: 8}, got.msg)

	// Broker → worker frames surface as dispatcher messages.
	sink := make(chan dispatcher.Message, 1)
	readErr := make(chan error, 1)
	go func() { readErr <- c.ReadLoop(sink) }()

	require.NoError(t, protocol.WriteMessage(got.conn, &protocol.CancelJob{Id: protocol.JobId{Client: 1, Job: 2}}))
	select {
	case msg := <-sink:
		fb, ok := msg.(*dispatcher.FromBroker)
		require.True(t, ok)
		assert.Equal(t, &protocol.CancelJob{Id: protocol.JobId{Client: 1, Job: 2}}, fb.Msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no message decoded")
	}

	// Worker → broker via the outbox.
	o := NewOutbox()
	writeErr := make(chan error, 1)
	go func() { writeErr <- c.WriteLoop(o) }()
	o.Send(&protocol.GetArtifact{Digest: protocol.DigestOf([]byte("blob"))})
	msg, err := protocol.ReadMessage(bufio.NewReader(got.conn))
	require.NoError(t, err)
	assert.IsType(t, &protocol.GetArtifact{}, msg)

	o.Close()
	require.NoError(t, <-writeErr)

	// Dropping the broker side fails the read loop.
	_ = got.conn.Close()
	require.Error(t, <-readErr)
}

func TestDialTCPConnectFailure(t *testing.T) {
	_, err := DialTCP("127.0.0.1:1", 1, zerolog.Nop())
	require.Error(t, err)
}

func TestQueueConnHandshakeAndFrames(t *testing.T) {
	var mu sync.Mutex
	var posted []protocol.Message
	pending := [][]byte{}

	frame := func(msg protocol.Message) []byte {
		var buf bytes.Buffer
		require.NoError(t, protocol.WriteMessage(&buf, msg))
		return buf.Bytes()
	}
	pending = append(pending, frame(&protocol.CancelJob{Id: protocol.JobId{Client: 7, Job: 7}}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			msg, err := protocol.ReadMessage(bufio.NewReader(bytes.NewReader(body)))
			require.NoError(t, err)
			mu.Lock()
			posted = append(posted, msg)
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		mu.Lock()
		if len(pending) > 0 {
			next := pending[0]
			pending = pending[1:]
			mu.Unlock()
			_, _ = w.Write(next)
			return
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c, err := DialQueue(srv.URL, "token", 3, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	mu.Lock()
	require.Len(t, posted, 1)
	assert.Equal(t, &protocol.Hello{Slots: 3}, posted[0])
	mu.Unlock()

	sink := make(chan dispatcher.Message, 1)
	go func() { _ = c.ReadLoop(sink) }()

	select {
	case msg := <-sink:
		fb := msg.(*dispatcher.FromBroker)
		assert.Equal(t, &protocol.CancelJob{Id: protocol.JobId{Client: 7, Job: 7}}, fb.Msg)
	case <-time.After(5 * time.Second):
		t.Fatal("queued frame never delivered")
	}
}

