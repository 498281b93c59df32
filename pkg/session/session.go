// Package session implements the per-connection layer (spec §4.7): split
// read/write halves over one socket, a Pub/Sub push bridge multiplexed onto
// the same outbound stream as command responses, and full cancellation on
// disconnect.
package session

import (
	"context"
	"io"
	"net"

	"github.com/chris-alexander-pop/msgbroker/pkg/concurrency"
	"github.com/chris-alexander-pop/msgbroker/pkg/engine"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/protocol"
	"github.com/chris-alexander-pop/msgbroker/pkg/router"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// outboundBufferSize bounds the shared outbound queue feeding the writer
// goroutine; both response-producing request tasks and the push bridge
// write into it.
const outboundBufferSize = 256

// readBufferSize is the chunk size used for each conn.Read call; the
// decode loop accumulates reads until a full frame is available.
const readBufferSize = 64 * 1024

// Serve runs one client connection to completion: it blocks until the
// connection closes or a fatal I/O error occurs, at which point every
// spawned task has been cancelled and every broker-side registration for
// this client (Pub/Sub session, stream consumer-group membership) has been
// torn down.
func Serve(conn net.Conn, eng *engine.Engine) {
	clientID := uuid.New()
	log := logger.L().With("client", clientID)

	sink := newPushSink(eng.Config.PubSubActorChanCap)
	pubsubSession := eng.PubSub.Connect(clientID, sink)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	outbound := make(chan []byte, outboundBufferSize)

	g.Go(func() error { return writeLoop(gctx, conn, outbound) })
	g.Go(func() error { return bridgeLoop(gctx, sink, outbound) })
	g.Go(func() error { return readLoop(gctx, conn, eng, clientID, outbound, g) })

	if err := g.Wait(); err != nil && err != io.EOF {
		log.Debug("connection closed", "reason", err)
	}

	cancel()
	sink.close()
	pubsubSession.Close()
	eng.Stream.Disconnect(clientID)
	_ = conn.Close()
}

// writeLoop drains outbound and writes each framed buffer to conn, in
// order, until the connection's context is cancelled.
func writeLoop(ctx context.Context, conn net.Conn, outbound <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf, ok := <-outbound:
			if !ok {
				return nil
			}
			if _, err := conn.Write(buf); err != nil {
				return err
			}
		}
	}
}

// bridgeLoop forwards every payload the client's push sink admits onto the
// shared outbound stream as a PUSH{PubSub} frame, releasing the sink's
// semaphore permit once the frame has been handed to the writer.
func bridgeLoop(ctx context.Context, sink *pushSink, outbound chan<- []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sink.out:
			if !ok {
				return nil
			}
			frame := protocol.EncodePush(0, protocol.PushPubSub, payload)
			select {
			case outbound <- frame:
			case <-ctx.Done():
				sink.sem.Release(1)
				return ctx.Err()
			}
			sink.sem.Release(1)
		}
	}
}

// readLoop incrementally decodes frames off conn and, for each REQUEST
// frame, spawns a task on g that runs the router and writes back a
// RESPONSE frame tagged with the same correlation id. PING frames are
// answered inline since they carry no routable work.
func readLoop(ctx context.Context, conn net.Conn, eng *engine.Engine, clientID uuid.UUID, outbound chan<- []byte, g *errgroup.Group) error {
	buf := make([]byte, 0, readBufferSize)
	chunk := make([]byte, readBufferSize)

	for {
		frame, consumed, ok, err := protocol.Decode(buf)
		if err != nil {
			return err
		}
		if ok {
			switch frame.Header.Type {
			case protocol.TypeRequest:
				opcode := frame.Header.Meta
				corrID := frame.Header.CorrelationID
				payload := append([]byte(nil), frame.Payload...)
				g.Go(func() error {
					return concurrency.Guard(ctx, func() error {
						cur := protocol.NewCursor(payload)
						resp := router.Dispatch(ctx, opcode, cur, eng, clientID)
						select {
						case outbound <- protocol.EncodeResponse(corrID, resp):
						case <-ctx.Done():
						}
						return nil
					})
				})
			case protocol.TypePing:
				corrID := frame.Header.CorrelationID
				select {
				case outbound <- protocol.EncodeResponse(corrID, protocol.OK()):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			buf = buf[consumed:]
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return err
		}
	}
}
