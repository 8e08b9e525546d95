// Package brokerconn maintains the duplex framed link between the worker
// and the broker. Two transports exist: a TCP socket with length-prefixed
// framing, and an HTTP queue for environments without direct connectivity.
// Both announce the worker with a Hello frame on first write.
package brokerconn

import (
	"bufio"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/meticulous-software/meticulous/internal/dispatcher"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

// Conn is a connected broker link. ReadLoop and WriteLoop each run on their
// own goroutine; either returning an error takes the worker down.
type Conn interface {
	// ReadLoop decodes inbound frames into dispatcher messages until the
	// link fails.
	ReadLoop(sink chan<- dispatcher.Message) error
	// WriteLoop drains the outbox until it closes or the link fails.
	WriteLoop(outbox *Outbox) error
	Close() error
}

// TCPConn is the socket transport.
type TCPConn struct {
	conn net.Conn
	log  zerolog.Logger
}

// DialTCP connects to the broker and performs the Hello handshake.
func DialTCP(addr string, slots uint16, log zerolog.Logger) (*TCPConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Error().Stack().Err(err).Str("broker", addr).Msg("error connecting to broker")
		return nil, errors.Wrap(err, "connect to broker")
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if err := protocol.WriteMessage(conn, &protocol.Hello{Slots: slots}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "send hello")
	}
	log.Info().Str("broker", addr).Uint16("slots", slots).Msg("connected to broker")
	return &TCPConn{conn: conn, log: log}, nil
}

func (c *TCPConn) ReadLoop(sink chan<- dispatcher.Message) error {
	r := bufio.NewReader(c.conn)
	for {
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			return errors.Wrap(err, "error communicating with broker")
		}
		c.log.Debug().Type("message", msg).Msg("received broker message")
		sink <- &dispatcher.FromBroker{Msg: msg}
	}
}

func (c *TCPConn) WriteLoop(outbox *Outbox) error {
	w := bufio.NewWriter(c.conn)
	for {
		msg, ok := outbox.Next()
		if !ok {
			return nil
		}
		if err := protocol.WriteMessage(w, msg); err != nil {
			return errors.Wrap(err, "error communicating with broker")
		}
		if err := w.Flush(); err != nil {
			return errors.Wrap(err, "error communicating with broker")
		}
	}
}

func (c *TCPConn) Close() error { return c.conn.Close() }
