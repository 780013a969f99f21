package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/signature"
	"github.com/acme/call-orchestrator/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

var errMissingStart = errors.New("start frame missing payload")

// WSConn adapts a websocket to the supervisor's ConnectionHandle.
type WSConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{id: uuid.NewString(), conn: conn}
}

func (c *WSConn) ID() string { return c.id }

// Close sends a close control frame carrying the reason, then tears
// down the socket. Safe to call more than once.
func (c *WSConn) Close(reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}

// Send writes one frame to the peer.
func (c *WSConn) Send(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Endpoint owns the media-stream socket lifecycle: authenticating the
// start frame, binding the connection to its call, and feeding media
// and dtmf events into the supervisor.
type Endpoint struct {
	sup      *Supervisor
	verifier *signature.Verifier
	lg       *logger.Logger
}

// NewEndpoint builds the stream-socket handler.
func NewEndpoint(sup *Supervisor, verifier *signature.Verifier, lg *logger.Logger) *Endpoint {
	return &Endpoint{sup: sup, verifier: verifier, lg: lg.Named("stream-ws")}
}

// Serve runs the read loop for one connection until the peer
// disconnects or the stream is rejected. The call is identified and
// authenticated by the start frame's custom parameters; frames arriving
// before a valid start are dropped.
func (e *Endpoint) Serve(ctx context.Context, conn *websocket.Conn) {
	ws := NewWSConn(conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	stopPing := make(chan struct{})
	go e.pingLoop(conn, stopPing)
	defer close(stopPing)

	var callID uuid.UUID
	bound := false

	for {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if bound {
				e.sup.OnStreamClosed(ctx, callID)
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			e.lg.Warn("undecodable stream frame dropped", zap.Error(err))
			continue
		}

		switch frame.Event {
		case EventConnected:
			// Informational preamble, nothing to do yet.

		case EventStart:
			id, err := e.handleStart(ws, frame)
			if err != nil {
				_ = ws.Close(ReasonStreamAuth)
				return
			}
			callID = id
			bound = true

		case EventMedia:
			if bound {
				e.sup.OnMediaReceived(callID)
			}

		case EventDTMF:
			if bound && frame.DTMF != nil {
				e.lg.Info("dtmf received",
					zap.String("call_id", callID.String()),
					zap.String("digit", frame.DTMF.Digit))
				e.sup.ExpectKeypadInput(callID, false)
			}

		case EventStop:
			if bound {
				e.sup.OnStreamClosed(ctx, callID)
			}
			return

		default:
			// Marks and future event types are ignored.
		}
	}
}

// handleStart validates the start frame's token and binds the socket.
func (e *Endpoint) handleStart(ws *WSConn, frame Frame) (uuid.UUID, error) {
	if frame.Start == nil {
		e.lg.Warn("start frame missing payload")
		return uuid.Nil, errMissingStart
	}
	params := frame.Start.CustomParameters
	rawCallID := params["callId"]
	callID, err := uuid.Parse(rawCallID)
	if err != nil {
		e.lg.Warn("start frame carries unparseable call id",
			zap.String("call_id", rawCallID))
		return uuid.Nil, err
	}

	if err := e.verifier.VerifyStreamToken(rawCallID, params["timestamp"], params["token"]); err != nil {
		if signature.Enforce(e.verifier.StreamMode(), err, e.lg, "stream_open") {
			return uuid.Nil, err
		}
	}

	e.sup.BindStream(callID, ws)
	e.lg.Info("stream bound",
		zap.String("call_id", callID.String()),
		zap.String("stream_sid", frame.Start.StreamSID),
		zap.String("provider_call_id", frame.Start.CallSID))
	return callID, nil
}

func (e *Endpoint) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
