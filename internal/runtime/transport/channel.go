package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
	"github.com/meshbus/meshbus/internal/runtime/ids"
)

// ChannelTransport is the in-process transport backed by Watermill's
// gochannel pub/sub. Every connection bound to a channel receives every
// payload published on it, the publisher included.
type ChannelTransport struct {
	pubSub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
}

// outputChannelBuffer keeps slow endpoints from stalling publishers; the
// endpoint's own inbound queue is the real buffer.
const outputChannelBuffer = 64

// NewChannelTransport creates an in-process transport logging through the
// provided adapter.
func NewChannelTransport(logger watermill.LoggerAdapter) *ChannelTransport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &ChannelTransport{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: outputChannelBuffer,
		}, logger),
	}
}

func (t *ChannelTransport) Bind(ctx context.Context, channel string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errspkg.ErrBusClosed
	}
	t.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := t.pubSub.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return nil, err
	}

	return &channelConn{
		channel:  channel,
		pubSub:   t.pubSub,
		messages: messages,
		cancel:   cancel,
	}, nil
}

func (t *ChannelTransport) Publish(channel string, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errspkg.ErrBusClosed
	}
	t.mu.Unlock()

	return t.pubSub.Publish(channel, message.NewMessage(ids.CreateULID(), payload))
}

func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.pubSub.Close()
}

type channelConn struct {
	channel  string
	pubSub   *gochannel.GoChannel
	messages <-chan *message.Message
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (c *channelConn) Publish(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errspkg.ErrConnClosed
	}
	c.mu.Unlock()

	return c.pubSub.Publish(c.channel, message.NewMessage(ids.CreateULID(), payload))
}

func (c *channelConn) TryReceive(timeout time.Duration) ([]byte, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, errspkg.ErrConnClosed
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, open := <-c.messages:
		if !open {
			return nil, false, errspkg.ErrConnClosed
		}
		msg.Ack()
		return msg.Payload, true, nil
	case <-timer.C:
		return nil, false, nil
	}
}

func (c *channelConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return nil
}
