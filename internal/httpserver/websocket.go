package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/skobkin/gputune/internal/api"
	"github.com/skobkin/gputune/internal/sampler"
)

// errQueueClosed ends a session whose outbound queue can no longer accept messages.
var errQueueClosed = errors.New("websocket outbound queue closed")

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	s.wsTotal.Add(1)
	sess := &wsSession{
		srv:      s,
		conn:     conn,
		logger:   reqLogger.With("ws_id", s.wsConnIDs.Add(1)),
		outbound: newWSOutbound(wsSendQueueSize, &s.wsDropped),
	}
	defer closeWebsocket(sess.logger, conn, websocket.StatusNormalClosure, "")

	sess.run(r.Context())
}

// wsSession serves one WebSocket client: a hello, then stats for the
// subscribed device plus replies to client requests.
type wsSession struct {
	srv      *Server
	conn     *websocket.Conn
	logger   *slog.Logger
	outbound *wsOutbound

	deviceID    string
	samples     <-chan sampler.Sample
	unsubscribe func()
}

func (c *wsSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)

	writerDone := make(chan struct{})
	go c.writeLoop(ctx, cancel, writerDone)

	defer func() {
		c.dropSubscription()
		c.outbound.close()
		cancel()
		<-writerDone
	}()

	defaultDevice := c.srv.defaultDevice()
	if err := c.send(c.hello(defaultDevice)); err != nil {
		return
	}

	inbound := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go c.readLoop(ctx, inbound, readErr)

	if defaultDevice == "" {
		if c.sendError("no devices detected") != nil {
			return
		}
	} else if err := c.subscribe(defaultDevice); err != nil {
		c.logger.Warn("failed to subscribe default device", "device_id", defaultDevice, "err", err)
		if c.sendError(fmt.Sprintf("failed to subscribe default device: %v", err)) != nil {
			return
		}
	}

	for {
		select {
		case sample, ok := <-c.samples:
			if !ok {
				// The device left the set.
				removed := c.deviceID
				c.samples, c.unsubscribe, c.deviceID = nil, nil, ""
				if c.sendError(fmt.Sprintf("device %q removed", removed)) != nil {
					return
				}
				continue
			}
			if c.send(api.NewStatsMessage(sample)) != nil {
				return
			}
		case data, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			if err := c.handle(ctx, data, defaultDevice); err != nil {
				c.logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErr:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsSession) hello(defaultDevice string) api.HelloMessage {
	mon := c.srv.monitor
	status := mon.Status()
	features := map[string]bool{
		"tuning":     mon.CanTune(),
		"history":    true,
		"prometheus": c.srv.cfg.EnablePrometheus,
		"degraded":   status.Degraded,
	}
	return api.NewHelloMessage(int(status.IntervalMS), mon.ListDevices(), defaultDevice, features, status.HistorySize)
}

// handle answers one client request. Request failures are reported to the
// client; only a closed outbound queue ends the session.
func (c *wsSession) handle(ctx context.Context, data []byte, defaultDevice string) error {
	var msg api.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("invalid client message", "err", err)
		return c.sendError("invalid message payload")
	}

	target := msg.DeviceID
	if target == "" {
		target = c.deviceID
	}
	if target == "" {
		target = defaultDevice
	}

	switch msg.Type {
	case api.ClientPing:
		return c.send(api.PongMessage{Type: "pong"})
	case api.ClientSubscribe:
		if target == "" {
			return c.sendError("no device_id provided and no default available")
		}
		if err := c.subscribe(target); err != nil {
			return c.sendError(err.Error())
		}
		return nil
	case api.ClientHistory:
		resp, err := c.srv.history(target, msg.Metric)
		if err != nil {
			return c.sendError(err.Error())
		}
		return c.send(api.HistoryMessage{Type: "history", HistoryResponse: resp})
	case api.ClientApply:
		outcome, err := c.srv.apply(ctx, target, c.logger)
		if err != nil {
			return c.sendError(err.Error())
		}
		return c.send(api.ApplyResultMessage{Type: "apply_result", Outcome: outcome})
	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
		return nil
	}
}

func (c *wsSession) subscribe(deviceID string) error {
	if deviceID == c.deviceID && c.samples != nil {
		return nil
	}
	ch, cancel, err := c.srv.monitor.Subscribe(deviceID)
	if err != nil {
		return err
	}
	c.dropSubscription()
	c.samples, c.unsubscribe, c.deviceID = ch, cancel, deviceID
	c.logger.Info("ws subscribed", "device_id", deviceID)
	return nil
}

func (c *wsSession) dropSubscription() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.samples, c.unsubscribe = nil, nil
}

func (c *wsSession) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to marshal websocket payload", "err", err)
		return err
	}
	if !c.outbound.enqueue(data) {
		c.logger.Warn("websocket outbound queue unavailable")
		return errQueueClosed
	}
	return nil
}

func (c *wsSession) sendError(msg string) error {
	return c.send(api.ErrorMessage{Type: "error", Message: msg})
}

func (c *wsSession) readLoop(ctx context.Context, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	timeout := c.srv.cfg.WS.ReadTimeout
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		msgType, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsSession) writeLoop(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	timeout := c.srv.cfg.WS.WriteTimeout
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.outbound.channel():
			if !ok {
				return
			}
			writeCtx, cancelWrite := ctx, context.CancelFunc(func() {})
			if timeout > 0 {
				writeCtx, cancelWrite = context.WithTimeout(ctx, timeout)
			}
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancelWrite()
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					c.logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			c.srv.wsSent.Add(1)
		}
	}
}

func (s *Server) defaultDevice() string {
	if dev, ok := s.monitor.Selected(); ok {
		return dev.ID
	}
	return ""
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}
