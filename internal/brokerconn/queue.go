package brokerconn

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/meticulous-software/meticulous/internal/dispatcher"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

const queuePollInterval = time.Second

// QueueConn is the HTTP-queue transport: frames are exchanged as opaque
// binary bodies with a queue service instead of over a socket.
type QueueConn struct {
	http   *resty.Client
	cancel context.CancelFunc
	ctx    context.Context
	log    zerolog.Logger
}

// DialQueue builds the queue transport from the artifact-queue service
// coordinates and performs the Hello handshake.
func DialQueue(baseURL, token string, slots uint16, log zerolog.Logger) (*QueueConn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &QueueConn{
		http: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(token).
			SetTimeout(2 * time.Minute),
		cancel: cancel,
		ctx:    ctx,
		log:    log,
	}
	if err := c.writeFrame(&protocol.Hello{Slots: slots}); err != nil {
		cancel()
		return nil, errors.Wrap(err, "send hello")
	}
	log.Info().Str("queue", baseURL).Uint16("slots", slots).Msg("connected to broker queue")
	return c, nil
}

func (c *QueueConn) ReadLoop(sink chan<- dispatcher.Message) error {
	for {
		resp, err := c.http.R().
			SetContext(c.ctx).
			Get("queue/worker")
		if err != nil {
			return errors.Wrap(err, "error communicating with broker")
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			msg, err := protocol.ReadMessage(bufio.NewReader(bytes.NewReader(resp.Body())))
			if err != nil {
				return errors.Wrap(err, "error decoding broker message")
			}
			c.log.Debug().Type("message", msg).Msg("received broker message")
			sink <- &dispatcher.FromBroker{Msg: msg}
		case http.StatusNoContent:
			select {
			case <-c.ctx.Done():
				return errors.New("queue connection closed")
			case <-time.After(queuePollInterval):
			}
		default:
			return errors.Errorf("broker queue HTTP %d", resp.StatusCode())
		}
	}
}

func (c *QueueConn) WriteLoop(outbox *Outbox) error {
	for {
		msg, ok := outbox.Next()
		if !ok {
			return nil
		}
		if err := c.writeFrame(msg); err != nil {
			return err
		}
	}
}

func (c *QueueConn) writeFrame(msg protocol.Message) error {
	var buf bytes.Buffer
	if err := protocol.WriteMessage(&buf, msg); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(c.ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(buf.Bytes()).
		Post("queue/broker")
	if err != nil {
		return errors.Wrap(err, "error communicating with broker")
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return errors.Errorf("broker queue HTTP %d", resp.StatusCode())
	}
	return nil
}

func (c *QueueConn) Close() error {
	c.cancel()
	return nil
}
