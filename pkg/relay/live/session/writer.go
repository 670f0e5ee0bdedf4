package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// outboundWriter owns the websocket write side. Error and completion frames
// go through the priority channel and preempt queued output.
type outboundWriter struct {
	ws       wsConn
	ctx      context.Context
	cfg      Config
	priority <-chan []byte
	normal   <-chan []byte
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return nil
		default:
		}

		// Priority frames first, always.
		select {
		case data, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(data, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case data, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(data, writeTimeout); err != nil {
				return err
			}
		case data, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			if err := w.write(data, writeTimeout); err != nil {
				return err
			}
		}
	}
}

// flushPriorityOnShutdown drains queued error/completion frames so the client
// learns why the session ended.
func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w.priority == nil {
		return
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case data, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.write(data, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) write(data []byte, writeTimeout time.Duration) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, data)
}
