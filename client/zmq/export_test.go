package zmq

import (
	"context"

	"git.gammaspectra.live/P2Pool/zmq4"
)

var JSONFromFrame = jsonFromFrame

func (c *Client) SetSocketFactory(f func(ctx context.Context) zmq4.Socket) {
	c.newSocket = f
}
