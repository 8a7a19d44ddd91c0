// Package gateway is the client-facing fan-in: it terminates the
// WebSocket sessions, applies per-frame admission (paused, blocked,
// availability, rate limit), off-loads frame bytes to the object store
// and publishes frame envelopes to the dispatcher. A single actions
// consumer fans enforcement decisions back out to the owning sockets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/imaging"
	"github.com/sentinelvision/sentinel/internal/statusstore"
	"github.com/sentinelvision/sentinel/internal/storage"
	"github.com/sentinelvision/sentinel/internal/types"
)

// frameStore is the slice of the storage client the gateway uses.
type frameStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Bucket() string
	Provider() string
}

// publisher is the slice of broker.Publisher the gateway uses.
type publisher interface {
	PublishQueue(ctx context.Context, queue string, body []byte) error
}

// statusStore mirrors client state for admin tooling.
type statusStore interface {
	Prime(ctx context.Context) error
	Contains(ctx context.Context, field, name string) (bool, error)
	AddTo(ctx context.Context, field, name string) (bool, error)
	RemoveFrom(ctx context.Context, field, name string) (bool, error)
}

// limiter is the sliding-window admission check.
type limiter interface {
	Allow(clientID string) bool
}

// availability answers whether a client has an enrolment image.
type availability interface {
	HasReference(clientName string) bool
}

// Config sizes the gateway.
type Config struct {
	WSAddr string
	// MaxClients bounds simultaneous sessions via a semaphore.
	MaxClients int
	// SocketTimeout is the per-message read deadline.
	SocketTimeout time.Duration
}

// Server owns the accept loop, the session set and the actions
// consumer handler.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	frames  frameStore
	pub     publisher
	status  statusStore
	limiter limiter
	refs    availability

	registry *registry
	sem      chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	listener     net.Listener
	httpServer   *http.Server
	wg           sync.WaitGroup
	shuttingDown int32
}

// New builds a gateway server.
func New(cfg Config, frames frameStore, pub publisher, status statusStore, lim limiter, refs availability, logger zerolog.Logger) (*Server, error) {
	if cfg.MaxClients < 1 {
		return nil, fmt.Errorf("gateway needs max clients >= 1, got %d", cfg.MaxClients)
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		frames:   frames,
		pub:      pub,
		status:   status,
		limiter:  lim,
		refs:     refs,
		registry: newRegistry(),
		sem:      make(chan struct{}, cfg.MaxClients),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start primes the status store and begins accepting sessions.
func (s *Server) Start() error {
	if err := s.status.Prime(s.ctx); err != nil {
		return fmt.Errorf("prime status store: %w", err)
	}

	listener, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.WSAddr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.WSAddr).
		Int("max_clients", s.cfg.MaxClients).
		Dur("socket_timeout", s.cfg.SocketTimeout).
		Msg("Gateway listening")
	return nil
}

// Shutdown stops accepting, closes every session and waits.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.cancel()

	for _, name := range s.registry.names() {
		if sess, ok := s.registry.get(name); ok {
			sess.CloseWithCode(ws.StatusGoingAway, "server shutting down")
		}
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	s.logger.Info().Msg("Gateway stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"sessions":    s.registry.count(),
		"max_clients": s.cfg.MaxClients,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		admissionsTotal.WithLabelValues("capacity").Inc()
		s.logger.Warn().
			Int("sessions", s.registry.count()).
			Int("max_clients", s.cfg.MaxClients).
			Msg("Session rejected: gateway at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.ServeConn(conn, r.RemoteAddr)
	}()
}

// ServeConn runs one session's read loop until the socket dies or a
// policy closes it. Exported so tests can drive sessions over pipes.
func (s *Server) ServeConn(conn net.Conn, remoteAddr string) {
	sess := newSession(conn, remoteAddr)
	sessionsGauge.Inc()
	defer sessionsGauge.Dec()
	defer s.teardown(sess)

	s.logger.Info().Str("remote_addr", remoteAddr).Msg("Session connected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SocketTimeout))
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			s.handleReadError(sess, err)
			return
		}
		if !op.IsData() || len(data) == 0 {
			continue
		}
		if !s.handleFrame(sess, data) {
			return
		}
	}
}

// handleReadError classifies a failed read: clean close, timeout, or
// transport fault. A transport fault on an admitted session tags the
// client in the connectivity-error bucket for the admin view.
func (s *Server) handleReadError(sess *Session, err error) {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		s.logger.Info().
			Str("client", sess.Name()).
			Int("code", int(closed.Code)).
			Msg("Session closed by client")
		if closed.Code == CloseConnectivity {
			s.tagConnectivityError(sess.Name())
		}
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Info().Str("client", sess.Name()).Msg("Session read timeout")
		sess.CloseWithCode(ws.StatusGoingAway, "read timeout")
		return
	}
	if sess.Name() != "" {
		s.logger.Warn().Err(err).Str("client", sess.Name()).Msg("Session transport error")
		s.tagConnectivityError(sess.Name())
		return
	}
	s.logger.Debug().Err(err).Msg("Session read failed before admission")
}

func (s *Server) tagConnectivityError(name string) {
	if name == "" {
		return
	}
	if _, err := s.status.AddTo(s.ctx, statusstore.FieldNetError, name); err != nil {
		s.logger.Warn().Err(err).Str("client", name).Msg("Connectivity tag failed")
	}
}

// handleFrame applies admission checks and off-loads one frame.
// Returns false when the session must end.
func (s *Server) handleFrame(sess *Session, data []byte) bool {
	frame, err := types.DecodeClientFrame(data)
	if err != nil || frame.UserName == "" {
		framesDropped.WithLabelValues("bad_message").Inc()
		s.logger.Warn().Err(err).Str("client", sess.Name()).Msg("Undecodable client message ignored")
		return true
	}
	name := strings.ToLower(frame.UserName)

	if established := sess.Name(); established != "" && established != name {
		s.logger.Warn().
			Str("client", established).
			Str("claimed", name).
			Msg("Session claimed a different identity")
		sess.CloseWithCode(ClosePolicy, "identity mismatch")
		return false
	}

	// Admission checks, in order: paused, blocked, availability, rate
	// limit. Paused keeps the socket; the rest close it.
	if s.inBucket(statusstore.FieldPaused, name) {
		admissionsTotal.WithLabelValues("paused").Inc()
		s.sendGatewayAction(sess, name, types.Warning, types.ReasonPaused)
		return true
	}
	if s.inBucket(statusstore.FieldBlocked, name) {
		admissionsTotal.WithLabelValues("blocked").Inc()
		s.sendGatewayAction(sess, name, types.SignOut, types.ReasonBlocked)
		sess.CloseWithCode(ClosePolicy, "client blocked")
		return false
	}
	if !s.refs.HasReference(name) {
		admissionsTotal.WithLabelValues("not_available").Inc()
		s.sendGatewayAction(sess, name, types.ActionErr, types.ReasonNotAvailable)
		sess.CloseWithCode(ClosePolicy, "no reference image")
		return false
	}
	if !s.limiter.Allow(name) {
		admissionsTotal.WithLabelValues("rate_limited").Inc()
		s.sendGatewayAction(sess, name, types.ActionErr, types.ReasonRateLimitExceeded)
		sess.CloseWithCode(CloseRateLimited, "rate limit exceeded")
		return false
	}

	if sess.Name() == "" {
		s.admit(sess, name)
	}

	img, err := imaging.DecodeBase64(frame.Image)
	if err != nil {
		framesDropped.WithLabelValues("bad_image").Inc()
		s.logger.Warn().Err(err).Str("client", name).Msg("Frame image decode failed, frame ignored")
		return true
	}
	jpegBytes, err := imaging.EncodeJPEG(img)
	if err != nil {
		framesDropped.WithLabelValues("encode").Inc()
		s.logger.Warn().Err(err).Str("client", name).Msg("Frame re-encode failed, frame ignored")
		return true
	}

	now := time.Now()
	key := storage.FrameKey(name, now, storage.NewFrameNonce())
	if err := s.frames.Put(s.ctx, key, jpegBytes, "image/jpeg"); err != nil {
		s.logger.Error().Err(err).Str("client", name).Msg("Frame store failed")
		sess.CloseWithCode(CloseStorage, "storage failure")
		return false
	}
	frameBytes.Observe(float64(len(jpegBytes)))

	env := types.FrameEnvelope{
		ClientName:      name,
		SendTime:        types.Stamp(now),
		ObjectKey:       key,
		Bucket:          s.frames.Bucket(),
		ContentType:     "image/jpeg",
		StorageProvider: s.frames.Provider(),
		FrameSizeBytes:  int64(len(jpegBytes)),
	}
	body, err := env.Serialize()
	if err != nil {
		s.logger.Error().Err(err).Msg("Envelope encode failed")
		return true
	}
	if err := s.pub.PublishQueue(s.ctx, broker.QueueClientsData, body); err != nil {
		s.logger.Error().Err(err).Str("client", name).Msg("Envelope publish failed")
		sess.CloseWithCode(CloseStorage, "publish failure")
		return false
	}

	if sess.State() == StateAdmitted {
		sess.setState(StateLive)
	}
	framesAccepted.Inc()
	s.logger.Debug().Str("client", name).Str("object_key", key).Msg("Frame enqueued")
	return true
}

// admit establishes the session identity, displaces any stale session
// holding the same name and mirrors the active set.
func (s *Server) admit(sess *Session, name string) {
	sess.admit(name)
	admissionsTotal.WithLabelValues("admitted").Inc()

	if old := s.registry.put(name, sess); old != nil {
		s.logger.Info().Str("client", name).Msg("Displacing stale session on reconnect")
		old.CloseWithCode(ClosePolicy, "superseded by reconnect")
	}
	if _, err := s.status.AddTo(s.ctx, statusstore.FieldActive, name); err != nil {
		s.logger.Warn().Err(err).Str("client", name).Msg("Active set update failed")
	}
	s.logger.Info().Str("client", name).Str("remote_addr", sess.remoteAddr).Msg("Client admitted")
}

func (s *Server) teardown(sess *Session) {
	sess.CloseWithCode(ws.StatusNormalClosure, "")
	name := sess.Name()
	if name == "" {
		return
	}
	if s.registry.remove(name, sess) {
		if _, err := s.status.RemoveFrom(s.ctx, statusstore.FieldActive, name); err != nil {
			s.logger.Warn().Err(err).Str("client", name).Msg("Active set removal failed")
		}
	}
	s.logger.Info().
		Str("client", name).
		Dur("session_duration", time.Since(sess.joinedAt)).
		Msg("Session ended")
}

// inBucket answers a status-bucket membership check; a store fault
// fails open so a Redis blip cannot lock every client out.
func (s *Server) inBucket(field, name string) bool {
	ok, err := s.status.Contains(s.ctx, field, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("field", field).Msg("Status check failed")
		return false
	}
	return ok
}

// sendGatewayAction pushes a gateway-originated action (policy
// warnings and denials) straight to the socket.
func (s *Server) sendGatewayAction(sess *Session, name string, code types.ActionCode, reason types.ReasonCode) {
	now := types.NowStamp()
	action := types.Action{
		ClientName: name,
		Action:     code,
		Reason:     reason,
		SendTime:   now,
		FinishTime: now,
	}
	data, err := action.Serialize()
	if err != nil {
		return
	}
	if err := sess.Send(data); err != nil {
		s.logger.Warn().Err(err).Str("client", name).Msg("Policy response send failed")
	}
}

// HandleAction is the actions-queue consumer handler delivering fused
// verdict actions to the owning socket. A missing socket requeues the
// message: the client may be mid-reconnect.
func (s *Server) HandleAction(ctx context.Context, body []byte) broker.AckDecision {
	action, err := types.DecodeAction(body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Undecodable action dropped")
		return broker.Drop
	}
	sess, ok := s.registry.get(action.ClientName)
	if !ok {
		actionsForwarded.WithLabelValues("requeued").Inc()
		s.logger.Debug().Str("client", action.ClientName).Msg("No socket for action, requeueing")
		return broker.Requeue
	}
	if err := sess.Send(body); err != nil {
		actionsForwarded.WithLabelValues("send_failed").Inc()
		s.logger.Warn().Err(err).Str("client", action.ClientName).Msg("Action send failed, closing socket")
		sess.CloseWithCode(ws.StatusGoingAway, "send failure")
		return broker.Requeue
	}
	actionsForwarded.WithLabelValues("delivered").Inc()
	return broker.Ack
}
