package worker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meticulous-software/meticulous/internal/config"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

// fakeBroker accepts the worker's control connection plus any number of
// artifact side-channel connections, and records everything the worker says.
type fakeBroker struct {
	t        *testing.T
	listener net.Listener

	mu    sync.Mutex
	blobs map[protocol.Digest][]byte

	hello    chan *protocol.Hello
	received chan protocol.Message
	control  chan net.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBroker{
		t:        t,
		listener: l,
		blobs:    make(map[protocol.Digest][]byte),
		hello:    make(chan *protocol.Hello, 1),
		received: make(chan protocol.Message, 64),
		control:  make(chan net.Conn, 1),
	}
	t.Cleanup(func() { _ = l.Close() })
	go b.accept()
	return b
}

func (b *fakeBroker) addr() string { return b.listener.Addr().String() }

func (b *fakeBroker) addBlob(content []byte) protocol.Digest {
	d := protocol.DigestOf(content)
	b.mu.Lock()
	b.blobs[d] = content
	b.mu.Unlock()
	return d
}

func (b *fakeBroker) accept() {
	first := true
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		if first {
			first = false
			b.control <- conn
			go b.serveControl(conn)
			continue
		}
		go b.serveArtifact(conn)
	}
}

func (b *fakeBroker) serveControl(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			return
		}
		if hello, ok := msg.(*protocol.Hello); ok {
			b.hello <- hello
			continue
		}
		b.received <- msg
	}
}

func (b *fakeBroker) serveArtifact(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	msg, err := protocol.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		return
	}
	req, ok := msg.(*protocol.GetArtifact)
	if !ok {
		return
	}
	b.received <- msg
	b.mu.Lock()
	blob := b.blobs[req.Digest]
	b.mu.Unlock()
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(blob)))
	_, _ = conn.Write(hdr[:n])
	_, _ = conn.Write(blob)
}

func (b *fakeBroker) send(t *testing.T, conn net.Conn, msg protocol.Message) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(conn, msg))
}

func (b *fakeBroker) await(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-b.received:
		return msg
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for worker message")
		return nil
	}
}

func tarBlob(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)),
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func testConfig(t *testing.T, brokerAddr string) *config.Config {
	t.Helper()
	return &config.Config{
		BrokerAddr:            brokerAddr,
		BrokerTransport:       config.TransportTCP,
		Slots:                 2,
		CacheRoot:             filepath.Join(t.TempDir(), "worker"),
		CacheSizeBytes:        1 << 20,
		InlineLimitBytes:      1 << 16,
		MaxArtifactFetches:    2,
		MaxPendingLayerBuilds: 2,
	}
}

func TestWorkerEndToEnd(t *testing.T) {
	broker := newFakeBroker(t)
	digest := broker.addBlob(tarBlob(t, "hello.txt", "world"))

	runErr := make(chan error, 1)
	go func() { runErr <- Run(testConfig(t, broker.addr()), zerolog.Nop()) }()

	var control net.Conn
	select {
	case control = <-broker.control:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never connected")
	}
	t.Cleanup(func() { _ = control.Close() })

	select {
	case hello := <-broker.hello:
		assert.Equal(t, uint16(2), hello.Slots)
	case <-time.After(10 * time.Second):
		t.Fatal("worker never sent hello")
	}

	id := protocol.JobId{Client: 1, Job: 1}
	broker.send(t, control, &protocol.EnqueueJob{Id: id, Spec: protocol.JobSpec{
		Program:   "/bin/sh",
		Arguments: []string{"-c", "cat hello.txt"},
		Layers:    []protocol.LayerRef{{Digest: digest, Type: protocol.ArtifactTar}},
	}})

	// The worker requests the missing artifact on a side channel.
	msg := broker.await(t)
	get, ok := msg.(*protocol.GetArtifact)
	require.True(t, ok, "expected GetArtifact, got %T", msg)
	assert.Equal(t, digest, get.Digest)

	// Then runs the job and reports the transitions in order.
	msg = broker.await(t)
	st, ok := msg.(*protocol.JobStateTransition)
	require.True(t, ok, "expected JobStateTransition, got %T", msg)
	assert.Equal(t, protocol.StatusExecuting, st.Status)

	msg = broker.await(t)
	st, ok = msg.(*protocol.JobStateTransition)
	require.True(t, ok, "expected JobStateTransition, got %T", msg)
	assert.Equal(t, protocol.StatusCompleted, st.Status)

	msg = broker.await(t)
	done, ok := msg.(*protocol.JobCompleted)
	require.True(t, ok, "expected JobCompleted, got %T", msg)
	require.Equal(t, id, done.Id)
	require.NotNil(t, done.Result.Outcome)
	assert.Equal(t, protocol.OutcomeCompleted, done.Result.Outcome.Kind)
	assert.Equal(t, protocol.ExitStatus{Code: 0}, done.Result.Outcome.Exit)
	assert.Equal(t, "world", string(done.Result.Outcome.Effects.Stdout.First))

	// Dropping the broker link is fatal to the worker.
	_ = control.Close()
	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not shut down after broker disconnect")
	}
}

func TestWorkerSharedArtifactSingleFlight(t *testing.T) {
	broker := newFakeBroker(t)
	digest := broker.addBlob(tarBlob(t, "data.txt", "shared"))

	runErr := make(chan error, 1)
	go func() { runErr <- Run(testConfig(t, broker.addr()), zerolog.Nop()) }()

	var control net.Conn
	select {
	case control = <-broker.control:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never connected")
	}
	t.Cleanup(func() { _ = control.Close() })
	<-broker.hello

	spec := protocol.JobSpec{
		Program:   "/bin/sh",
		Arguments: []string{"-c", "cat data.txt"},
		Layers:    []protocol.LayerRef{{Digest: digest, Type: protocol.ArtifactTar}},
	}
	broker.send(t, control, &protocol.EnqueueJob{Id: protocol.JobId{Client: 1, Job: 1}, Spec: spec})
	broker.send(t, control, &protocol.EnqueueJob{Id: protocol.JobId{Client: 1, Job: 2}, Spec: spec})

	fetches := 0
	completions := 0
	for completions < 2 {
		switch msg := broker.await(t).(type) {
		case *protocol.GetArtifact:
			fetches++
		case *protocol.JobCompleted:
			completions++
			require.NotNil(t, msg.Result.Outcome)
			assert.Equal(t, "shared", string(msg.Result.Outcome.Effects.Stdout.First))
		}
	}
	assert.Equal(t, 1, fetches, "shared digest must be fetched once")

	_ = control.Close()
	select {
	case <-runErr:
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not shut down")
	}
}
