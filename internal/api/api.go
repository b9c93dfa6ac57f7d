// Package api exposes a session over HTTP.
//
// Routes:
//
//	GET  /api/v1/nodes          List all known nodes
//	GET  /api/v1/nodes/{id}     Single node by external id or node number
//	GET  /api/v1/messages       Recent message history
//	POST /api/v1/messages       Send a text message
//	GET  /api/v1/status         Connection and database status
//	PUT  /api/v1/owner          Rename the local node
//	GET  /api/v1/events         WebSocket change stream
//	GET  /metrics               Prometheus metrics
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/session"
)

// Session is the part of *session.Session the API serves.
type Session interface {
	Send(ctx context.Context, m *mesh.Message) (*mesh.Message, error)
	Nodes() []*mesh.NodeRecord
	Node(num uint32) (*mesh.NodeRecord, error)
	NodeByExternalID(id string) (*mesh.NodeRecord, error)
	LocalIdentity() *mesh.LocalIdentity
	History() []*mesh.Message
	Status() session.ConnectionStatus
	SetOwner(longName, shortName string) error
	Subscribe() (<-chan session.Event, func())
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const pingInterval = 20 * time.Second

// Server holds handler dependencies.
type Server struct {
	sess Session
	log  *zap.Logger
}

// NewRouter wires all routes. metrics may be nil.
func NewRouter(sess Session, metrics http.Handler, log *zap.Logger) http.Handler {
	s := &Server{sess: sess, log: log}

	r := chi.NewRouter()
	r.Use(withLogging(log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/nodes", s.listNodes)
		r.Get("/nodes/{id}", s.getNode)

		r.Get("/messages", s.listMessages)
		r.Post("/messages", s.sendMessage)

		r.Get("/status", s.status)
		r.Put("/owner", s.setOwner)

		r.Get("/events", s.eventStream)
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

// ── Nodes ─────────────────────────────────────────────────────────────────

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.sess.Nodes()
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// getNode accepts an external id ("!a1b2c3d4") or a decimal node number.
func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	node, err := s.sess.NodeByExternalID(id)
	if errors.Is(err, mesh.ErrNotFound) && !strings.HasPrefix(id, "!") {
		n, perr := strconv.ParseUint(id, 10, 32)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid node id")
			return
		}
		node, err = s.sess.Node(uint32(n))
	}
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ── Messages ──────────────────────────────────────────────────────────────

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs := s.sess.History()
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	to := req.To
	if to == "" {
		to = mesh.BroadcastID
	}
	msg, err := s.sess.Send(r.Context(), mesh.NewTextMessage(to, req.Text))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// ── Status / owner ────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connection": s.sess.Status(),
		"identity":   s.sess.LocalIdentity(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

type ownerRequest struct {
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
}

func (s *Server) setOwner(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.LongName == "" || req.ShortName == "" {
		writeError(w, http.StatusBadRequest, "long_name and short_name required")
		return
	}
	if err := s.sess.SetOwner(req.LongName, req.ShortName); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.sess.Subscribe()
	defer unsub()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rw, r)
			log.Debug("api",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.code),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: %T does not support hijacking", rw.ResponseWriter)
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mesh.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mesh.ErrNotConnected), errors.Is(err, mesh.ErrHandshakeIncomplete),
		errors.Is(err, session.ErrPacketIDsExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("api: session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, lo, hi int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be %d-%d", key, lo, hi)
	}
	return n, nil
}
