package httpserver

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// wsOutbound is a bounded send queue. A full queue drops its oldest message
// so a slow client always receives the freshest stats.
type wsOutbound struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, drops *atomic.Uint64) *wsOutbound {
	return &wsOutbound{
		ch:    make(chan []byte, max(size, 1)),
		drops: drops,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.drop()
		return false
	}
	for {
		select {
		case o.ch <- msg:
			return true
		default:
		}
		select {
		case <-o.ch:
			o.drop()
		default:
		}
	}
}

func (o *wsOutbound) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) drop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, code websocket.StatusCode, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Close(code, reason); err != nil && logger != nil {
		logger.Debug("websocket close failed", "code", code, "err", err)
	}
}
