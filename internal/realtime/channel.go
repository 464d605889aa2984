package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// heartbeatInterval is how often the channel pings the server to
	// keep intermediaries from dropping the idle connection.
	heartbeatInterval = 20 * time.Second

	// disconnectAfter is how long the connection may stay silent before
	// it is considered dead and torn down for a reconnect.
	disconnectAfter = 120 * time.Second

	// joinTimeout bounds the wait for the subscription acknowledgement.
	joinTimeout = 30 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// wsReadLimit caps inbound frames. Change events carry single rows,
	// so this is generous.
	wsReadLimit = 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the event loop.
	inboundChanSize = 64

	// eventChanSize buffers decoded events towards the consumer so a
	// slow apply does not stall the socket reader immediately.
	eventChanSize = 64
)

// Conn abstracts the websocket connection so the channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Subscription scopes the change stream to one table and row filter,
// authenticated as one user.
type Subscription struct {
	Table  string
	Filter string
	Token  string
}

// inboundMsg wraps a frame read from the websocket by the reader goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

// Channel is a change-notification subscription with automatic
// reconnection.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. The
// Run event loop processes inbound frames and heartbeat ticks, and is
// the only writer to the connection. Decoded events are delivered on
// Events. After every successful (re)join a KindResync event is emitted
// first, telling the consumer to refetch the full current state: there
// is no cursor or replay model.
type Channel struct {
	logger *slog.Logger
	sub    Subscription

	// dial establishes a new connection. Swappable for tests.
	dial func(ctx context.Context) (Conn, error)

	events chan Event

	lastMessage time.Time
}

// NewChannel creates a channel that connects to wsURL (the realtime
// endpoint) with the project API key and the given subscription.
func NewChannel(wsURL, apiKey string, sub Subscription, logger *slog.Logger) *Channel {
	return &Channel{
		logger: logger,
		sub:    sub,
		dial: func(ctx context.Context) (Conn, error) {
			conn, _, err := websocket.Dial(ctx, wsURL+"/websocket?apikey="+apiKey, nil)
			if err != nil {
				return nil, fmt.Errorf("dialling realtime endpoint: %w", err)
			}

			conn.SetReadLimit(wsReadLimit)

			return conn, nil
		},
		events: make(chan Event, eventChanSize),
	}
}

// Events returns the stream of decoded change events. The channel is
// closed when Run returns.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Run connects, subscribes, and pumps events until the context is
// cancelled. Connection failures trigger reconnection with exponential
// backoff and jitter; every successful rejoin emits KindResync.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.events)

	backoff := reconnectMin

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		jitter := rand.N(backoff / jitterDivisor)
		delay := backoff + jitter
		c.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff *= reconnectBackoffMultiplier
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// runOnce performs one connect-join-pump cycle and returns the error
// that ended it.
func (c *Channel) runOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Reader goroutine: the only reader of the connection. Stopped by
	// cancelling connCtx, which fails the pending Read.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inboundCh := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case inboundCh <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	if err := c.join(ctx, conn, inboundCh); err != nil {
		return err
	}

	c.logger.Info("realtime subscription established",
		slog.String("table", c.sub.Table),
		slog.String("filter", c.sub.Filter),
	)

	// Consumers refetch on every join; events between connections are
	// lost by design.
	if err := c.deliver(ctx, Event{Kind: KindResync}); err != nil {
		return err
	}

	c.lastMessage = time.Now()

	return c.eventLoop(ctx, conn, inboundCh)
}

// join sends the subscribe frame and waits for the acknowledgement.
func (c *Channel) join(ctx context.Context, conn Conn, inboundCh <-chan inboundMsg) error {
	frame, err := json.Marshal(map[string]string{
		"type":   "subscribe",
		"table":  c.sub.Table,
		"filter": c.sub.Filter,
		"token":  c.sub.Token,
	})
	if err != nil {
		return fmt.Errorf("marshalling subscribe frame: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("sending subscribe frame: %w", err)
	}

	timeout := time.NewTimer(joinTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("timed out waiting for subscribe acknowledgement")
		case msg := <-inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading subscribe acknowledgement: %w", msg.err)
			}

			switch gjson.GetBytes(msg.data, "type").String() {
			case "subscribed":
				return nil
			case "error":
				return fmt.Errorf("subscribe rejected: %s", gjson.GetBytes(msg.data, "message").String())
			default:
				// Frames sent before the ack (stray heartbeats) are skipped.
			}
		}
	}
}

// eventLoop pumps frames until the connection errors, goes silent past
// disconnectAfter, or the context is cancelled.
func (c *Channel) eventLoop(ctx context.Context, conn Conn, inboundCh <-chan inboundMsg) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if time.Since(c.lastMessage) > disconnectAfter {
				return fmt.Errorf("no server messages for %s", disconnectAfter)
			}

			frame := []byte(`{"type":"heartbeat"}`)
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

		case msg := <-inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			c.lastMessage = time.Now()

			ev, ok, err := decodeEvent(msg.data)
			if err != nil {
				// A malformed frame is logged and skipped rather than
				// tearing the connection down.
				c.logger.Warn("skipping malformed realtime frame", slog.String("error", err.Error()))

				continue
			}

			if !ok {
				continue
			}

			if err := c.deliver(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (c *Channel) deliver(ctx context.Context, ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
