// Package zmq subscribes to block-added notifications published by the node over ZeroMQ.
package zmq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"git.gammaspectra.live/P2Pool/zmq4"
)

type Topic string

const (
	TopicUnknown Topic = "unknown"

	TopicBlockAdded        Topic = "json-minimal-block-added"
	TopicVirtualDaaChanged Topic = "json-minimal-virtual-daa-score-changed"
)

type Client struct {
	endpoint  string
	newSocket func(ctx context.Context) zmq4.Socket
	sub       zmq4.Socket
}

// NewClient instantiates a client for the publisher at endpoint, including the
// network scheme, for example 'tcp://127.0.0.1:28332'.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint:  endpoint,
		newSocket: zmq4.NewSub,
	}
}

// Listen subscribes to the topics of listeners and consumes frames until an error or ctx ends.
func (c *Client) Listen(ctx context.Context, listeners Listeners) error {
	topics := listeners.Topics()
	if err := c.listen(ctx, topics...); err != nil {
		return fmt.Errorf("listen on '%s': %w", joinTopics(topics), err)
	}
	defer c.Close()

	if err := c.loop(ctx, listeners); err != nil {
		return fmt.Errorf("loop: %w", err)
	}

	return nil
}

// Run keeps Listen alive, redialing with backoff after failures, and returns only when ctx ends.
func (c *Client) Run(ctx context.Context, listeners Listeners, retry utils.RetryConfig) error {
	backoff := utils.NewBackoff(retry)
	for {
		err := c.Listen(ctx, listeners)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		utils.Errorf("ZMQ", "%s: %s", c.endpoint, err)
		if err = backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

// Close closes any established connection, if any.
func (c *Client) Close() error {
	if c.sub == nil {
		return nil
	}

	err := c.sub.Close()
	c.sub = nil
	return err
}

// listen dials a fresh socket, which is closed again when dialing or subscribing fails.
func (c *Client) listen(ctx context.Context, topics ...Topic) (err error) {
	c.sub = c.newSocket(ctx)
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	err = c.sub.Dial(c.endpoint)
	if err != nil {
		return fmt.Errorf("dial '%s': %w", c.endpoint, err)
	}

	for _, topic := range topics {
		err = c.sub.SetOption(zmq4.OptionSubscribe, string(topic))
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	return nil
}

func (c *Client) loop(ctx context.Context, listeners Listeners) error {
	topics := listeners.Topics()
	for {
		msg, err := c.sub.Recv()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("recv: %w", err)
		}

		for _, frame := range msg.Frames {
			err := c.ingestFrame(topics, listeners, frame)
			if err != nil {
				return fmt.Errorf("consume frame: %w", err)
			}
		}
	}
}

func (c *Client) ingestFrame(topics []Topic, listeners Listeners, frame []byte) error {
	topic, gson, err := jsonFromFrame(topics, frame)
	if err != nil {
		return fmt.Errorf("json from frame: %w", err)
	}

	if callback, ok := listeners[topic]; !ok {
		return fmt.Errorf("topic '%s' doesn't match expected any of '%s'", topic, joinTopics(topics))
	} else {
		return callback(gson)
	}
}

var errMalformed = errors.New("malformed")

func jsonFromFrame(topics []Topic, frame []byte) (Topic, []byte, error) {
	parts := bytes.SplitN(frame, []byte(":"), 2)
	if len(parts) != 2 {
		return TopicUnknown, nil, fmt.Errorf("%w: expected 2 parts, got %d", errMalformed, len(parts))
	}

	topic, gson := Topic(parts[0]), parts[1]

	if !slices.Contains(topics, topic) {
		return TopicUnknown, nil, fmt.Errorf("unknown topic '%s'", topic)
	}

	return topic, gson, nil
}

func joinTopics(topics []Topic) string {
	r := make([]string, 0, len(topics))
	for _, s := range topics {
		r = append(r, string(s))
	}
	return strings.Join(r, ", ")
}
