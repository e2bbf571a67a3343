package zmq_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client/zmq"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"git.gammaspectra.live/P2Pool/zmq4"
)

func TestJSONFromFrame(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name          string
		input         []byte
		expectedJSON  []byte
		expectedTopic zmq.Topic
		err           string
	}{
		{
			name:  "nil",
			input: nil,
			err:   "malformed",
		},

		{
			name:  "empty",
			input: []byte{},
			err:   "malformed",
		},

		{
			name:  "unknown-topic",
			input: []byte(`foobar:{"foo":"bar"}`),
			err:   "unknown topic",
		},

		{
			name:          "proper w/ known-topic",
			input:         []byte(`json-minimal-block-added:{"hash":"ab","daaScore":7}`),
			expectedTopic: zmq.TopicBlockAdded,
			expectedJSON:  []byte(`{"hash":"ab","daaScore":7}`),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			aTopic, aJSON, err := zmq.JSONFromFrame([]zmq.Topic{zmq.TopicBlockAdded}, tc.input)
			if tc.err != "" {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), tc.err) {
					t.Errorf("expected %s in, got %s", tc.err, err.Error())
				}
				return
			}

			if err != nil {
				t.Errorf("expected no error, got %s", err)
			}

			if tc.expectedTopic != aTopic {
				t.Errorf("expected %s, got %s", tc.expectedTopic, aTopic)
			}

			if !bytes.Equal(tc.expectedJSON, aJSON) {
				t.Errorf("expected %s, got %s", string(tc.expectedJSON), string(aJSON))
			}
		})
	}
}

func TestDecoderCallback(t *testing.T) {
	t.Parallel()

	var got *zmq.MinimalBlockAdded
	cb := zmq.DecoderMinimalBlockAdded(func(b *zmq.MinimalBlockAdded) {
		got = b
	})
	if err := cb([]byte(`{"hash":"00ff","daaScore":12,"blueScore":11}`)); err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Hash != "00ff" || got.DaaScore != 12 || got.BlueScore != 11 {
		t.Errorf("unexpected decode %+v", got)
	}

	if err := cb([]byte(`{"hash":`)); err == nil {
		t.Errorf("expected unmarshal error")
	}
}

func TestListenersTopics(t *testing.T) {
	t.Parallel()

	l := zmq.Listeners{
		zmq.TopicVirtualDaaChanged: func([]byte) error { return nil },
		zmq.TopicBlockAdded:        func([]byte) error { return nil },
	}
	topics := l.Topics()
	if len(topics) != 2 || topics[0] != zmq.TopicBlockAdded || topics[1] != zmq.TopicVirtualDaaChanged {
		t.Errorf("unexpected topics %v", topics)
	}
}

func freeEndpoint(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return fmt.Sprintf("tcp://%s", l.Addr().String())
}

func TestClientLoopback(t *testing.T) {
	endpoint := freeEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub := zmq4.NewPub(ctx)
	defer pub.Close()
	if err := pub.Listen(endpoint); err != nil {
		t.Fatal(err)
	}

	notified := make(chan struct{}, 16)
	client := zmq.NewClient(endpoint)

	listenCtx, listenCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- client.Listen(listenCtx, zmq.NotifyListeners(func() {
			notified <- struct{}{}
		}))
	}()

	// subscriptions propagate asynchronously, publish until one arrives
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	frame := []byte(`json-minimal-block-added:{"hash":"aa","daaScore":1,"blueScore":1}`)
wait:
	for {
		select {
		case <-notified:
			break wait
		case <-ticker.C:
			if err := pub.Send(zmq4.NewMsg(frame)); err != nil {
				t.Fatal(err)
			}
		case <-ctx.Done():
			t.Fatal("no notification received")
		}
	}

	listenCancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not return after cancel")
	}
}

// refusingSocket wraps a real subscriber whose every dial is refused, counting dials and closes.
type refusingSocket struct {
	zmq4.Socket
	dials, closes *atomic.Int32
}

func (s refusingSocket) Dial(ep string) error {
	s.dials.Add(1)
	return fmt.Errorf("dial %s: connection refused", ep)
}

func (s refusingSocket) Close() error {
	s.closes.Add(1)
	return s.Socket.Close()
}

func TestRunClosesFailedDials(t *testing.T) {
	t.Parallel()

	var dials, closes atomic.Int32
	client := zmq.NewClient(freeEndpoint(t))
	client.SetSocketFactory(func(ctx context.Context) zmq4.Socket {
		return refusingSocket{Socket: zmq4.NewSub(ctx), dials: &dials, closes: &closes}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, zmq.NotifyListeners(func() {}), utils.RetryConfig{
			MaxRetries:     -1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		})
	}()

	deadline := time.After(5 * time.Second)
	for dials.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("expected 5 redials, got %d", dials.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	if d, c := dials.Load(), closes.Load(); d != c {
		t.Errorf("expected every failed dial closed, got %d dials and %d closes", d, c)
	}
	if err := client.Close(); err != nil {
		t.Errorf("expected idle close to succeed, got %s", err)
	}
}
