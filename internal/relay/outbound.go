package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// outboundFrame is a PCM16 chunk for the client, tagged with the playback
// epoch it was dequeued in.
type outboundFrame struct {
	epoch uint64
	pcm   []byte
}

// outbound serialises all writes to the downstream connection. Control
// messages always go before pending audio.
type outbound struct {
	conn *websocket.Conn

	// base is not cancelled with the session group. writeTimeout bounds
	// each write.
	base         context.Context
	writeTimeout time.Duration

	control chan []byte
	audio   chan outboundFrame

	// epoch reports the current playback epoch; frames from older epochs
	// are dropped.
	epoch func() uint64

	// onStale is called for every dropped stale frame.
	onStale func()
}

// pushDropOldest sends v on ch, discarding the oldest buffered element when
// ch is full. It reports whether an element was discarded. ch must have a
// single producer.
func pushDropOldest[T any](ch chan T, v T) (dropped bool) {
	for {
		select {
		case ch <- v:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}

// sendControl queues a control message. It blocks only while the control
// channel is full and gives up when ctx is done.
func (o *outbound) sendControl(ctx context.Context, msg serverMessage) {
	select {
	case o.control <- msg.encode():
	case <-ctx.Done():
	}
}

// run writes queued messages until ctx is done or a write fails.
func (o *outbound) run(ctx context.Context) error {
	for {
		// Drain control first.
		select {
		case b := <-o.control:
			if err := o.write(websocket.MessageText, b); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case b := <-o.control:
			if err := o.write(websocket.MessageText, b); err != nil {
				return err
			}
		case f := <-o.audio:
			if ctx.Err() != nil {
				return nil
			}
			if f.epoch != o.epoch() {
				if o.onStale != nil {
					o.onStale()
				}
				continue
			}
			if err := o.write(websocket.MessageBinary, f.pcm); err != nil {
				return err
			}
		}
	}
}

func (o *outbound) write(typ websocket.MessageType, b []byte) error {
	ctx, cancel := context.WithTimeout(o.base, o.writeTimeout)
	defer cancel()
	if err := o.conn.Write(ctx, typ, b); err != nil {
		return fmt.Errorf("relay: write downstream: %w", err)
	}
	return nil
}
