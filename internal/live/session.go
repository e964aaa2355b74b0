// Package live carries broadcast events to connected view sessions over
// WebSocket, and provides a Go client that follows the same stream.
package live

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"issuemirror/api/internal/broadcast"
	"issuemirror/api/internal/util"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxClientFrame      = 4 << 10
)

// CloseReasonLagged is sent with StatusGoingAway when a session fell too
// far behind; the client is expected to reconnect and fetch everything.
const CloseReasonLagged = "lagged"

var errFrameTooLarge = errors.New("live: client frame too large")

type Hub interface {
	Subscribe() *broadcast.Subscriber
	Unsubscribe(*broadcast.Subscriber)
}

type Server struct {
	hub          Hub
	logger       *log.Logger
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func NewServer(hub Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Server{
		hub:          hub,
		logger:       logger,
		PingInterval: defaultPingInterval,
		WriteTimeout: defaultWriteTimeout,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.serve(r.Context(), conn)
}

// serve owns conn until the session ends. Only this goroutine writes to
// the connection; the reader hands pings over through a channel.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	sub := s.hub.Subscribe()
	defer conn.Close()
	defer s.hub.Unsubscribe(sub)

	logger := s.logger.With("subscriber", sub.ID())
	logger.Debug("session opened")

	pings := make(chan []byte, 4)
	go s.readLoop(conn, sub, pings)

	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeClose(conn, ws.StatusNormalClosure, "")
			logger.Debug("session closed")
			return
		case <-sub.Done():
			s.writeClose(conn, ws.StatusNormalClosure, "")
			logger.Debug("peer gone, session closed")
			return
		case <-sub.Lagged():
			s.writeClose(conn, ws.StatusGoingAway, CloseReasonLagged)
			logger.Warn("session lagged, disconnecting")
			return
		case ev := <-sub.Events():
			payload, err := EncodeFrame(ev)
			if err != nil {
				logger.Error("encode frame", "err", err)
				continue
			}
			if err := s.write(conn, ws.OpText, payload); err != nil {
				logger.Debug("session write failed", "err", err)
				return
			}
		case payload := <-pings:
			if err := s.write(conn, ws.OpPong, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(conn, ws.OpPing, nil); err != nil {
				logger.Debug("session ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) write(conn net.Conn, op ws.OpCode, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(conn, op, payload)
}

func (s *Server) writeClose(conn net.Conn, code ws.StatusCode, reason string) {
	_ = s.write(conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

// readLoop drains client frames. Data frames are discarded; a close
// frame or any read error closes sub, which stops publishers queueing
// for this peer and ends the session.
func (s *Server) readLoop(conn net.Conn, sub *broadcast.Subscriber, pings chan<- []byte) {
	defer sub.Close()
	for {
		// Clients answer our pings, so a silent peer is gone.
		if err := conn.SetReadDeadline(time.Now().Add(2 * s.PingInterval)); err != nil {
			return
		}
		header, err := ws.ReadHeader(conn)
		if err != nil {
			return
		}
		if header.Length > maxClientFrame {
			s.logger.Debug("dropping session", "err", errFrameTooLarge, "length", header.Length)
			return
		}
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			select {
			case pings <- payload:
			default:
			}
		}
	}
}
