package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RPajak/kdbus/internal/bus"
	"github.com/RPajak/kdbus/internal/config"
	"github.com/RPajak/kdbus/internal/names"
	"github.com/RPajak/kdbus/internal/policy"
	"github.com/RPajak/kdbus/internal/protocol"
	"github.com/RPajak/kdbus/internal/watch"
)

type Server struct {
	bus       *bus.Bus
	reg       *names.Registry
	wm        *watch.Manager
	pol       policy.Checker
	cfg       *config.Config
	log       *slog.Logger
	connCount atomic.Int64
	conns     sync.Map // net.Conn → struct{}
}

func New(b *bus.Bus, reg *names.Registry, wm *watch.Manager, pol policy.Checker, cfg *config.Config, log *slog.Logger) *Server {
	return &Server{bus: b, reg: reg, wm: wm, pol: pol, cfg: cfg, log: log}
}

func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if s.cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			listener.Close()
			return fmt.Errorf("tls: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		listener = tls.NewListener(listener, tlsCfg)
		s.log.Info("TLS enabled")
	}

	s.log.Info("listening", "addr", addr, "bus_id", s.bus.ID)
	return s.serve(ctx, listener)
}

// RunOnListener starts the server on a pre-existing listener (for testing).
func (s *Server) RunOnListener(ctx context.Context, listener net.Listener) error {
	s.log.Info("listening", "addr", listener.Addr(), "bus_id", s.bus.ID)
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	var wg sync.WaitGroup

	// Close listener on context cancellation
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.drain(&wg)
				return nil
			default:
				s.log.Error("accept error", "err", err)
				continue
			}
		}
		if max := s.cfg.MaxConnections; max > 0 && s.connCount.Load() >= int64(max) {
			s.log.Warn("max connections reached, rejecting", "max", max)
			conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// drain waits for all goroutines to finish, force-closing connections if
// the shutdown timeout expires.
func (s *Server) drain(wg *sync.WaitGroup) {
	s.log.Info("shutting down, draining connections")

	if s.cfg.ShutdownTimeout <= 0 {
		wg.Wait()
		return
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("shutdown timeout reached, force-closing connections")
		s.conns.Range(func(key, _ any) bool {
			if c, ok := key.(net.Conn); ok {
				c.Close()
			}
			return true
		})
		wg.Wait()
	}
}

// connState tracks one client connection's registration.
type connState struct {
	conn       *bus.Conn // nil until hello
	privileged bool
	outCh      chan []byte
	done       chan struct{} // closed when the writer exits
	cancel     func()        // force-closes the net conn
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	s.log.Debug("client connected", "peer", peer)
	s.connCount.Add(1)
	s.conns.Store(conn, struct{}{})

	st := &connState{
		outCh:  make(chan []byte, 64),
		done:   make(chan struct{}),
		cancel: func() { conn.Close() },
	}

	// Writer pump: serializes responses and pushed watch events.
	go func() {
		defer close(st.done)
		for msg := range st.outCh {
			if s.cfg.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if _, err := conn.Write(msg); err != nil {
				s.log.Debug("write error, disconnecting", "peer", peer, "err", err)
				conn.Close()
				return
			}
		}
	}()

	defer func() {
		if st.conn != nil {
			s.wm.UnwatchAll(st.conn.ID)
			nlog := &names.Log{}
			s.reg.EvictOwner(st.conn, nlog)
			s.wm.Drain(nlog)
			s.bus.RemoveConn(st.conn)
		}
		close(st.outCh)
		<-st.done
		s.conns.Delete(conn)
		s.connCount.Add(-1)
		conn.Close()
		s.log.Debug("client closed", "peer", peer)
	}()

	reader := bufio.NewReader(conn)

	if s.cfg.AuthToken != "" {
		req, err := protocol.ReadRequest(reader, s.cfg.ReadTimeout, conn)
		if err != nil || req.Cmd != "auth" ||
			subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.cfg.AuthToken)) != 1 {
			s.log.Warn("auth failed", "peer", peer)
			s.send(st, protocol.FormatResponse(&protocol.Ack{Status: "error_auth"}))
			// Small delay to slow down brute-force attempts.
			time.Sleep(100 * time.Millisecond)
			return
		}
		st.privileged = true
		s.send(st, protocol.FormatResponse(&protocol.Ack{Status: "ok"}))
	}

	for {
		req, err := protocol.ReadRequest(reader, s.cfg.ReadTimeout, conn)
		if err != nil {
			var pe *protocol.ProtocolError
			if errors.As(err, &pe) {
				if pe.Code == 11 {
					// Client disconnected
					break
				}
				s.log.Warn("protocol error", "peer", peer, "code", pe.Code, "msg", pe.Message)
				if !s.send(st, protocol.FormatResponse(&protocol.Ack{Status: "error"})) {
					break
				}
				// Read-level errors (timeout, line too long) may have
				// desynchronized the protocol stream — disconnect.
				// Parse-level errors are safe to continue from because
				// all three request lines were consumed.
				if pe.Code == 10 || pe.Code == 12 {
					break
				}
				continue
			}
			s.log.Error("read error", "peer", peer, "err", err)
			break
		}

		ack := s.handleRequest(req, st)
		if !s.send(st, protocol.FormatResponse(ack)) {
			break
		}
	}
}

// send queues msg on the connection's write pump. Returns false when the
// writer has exited.
func (s *Server) send(st *connState, msg []byte) bool {
	select {
	case st.outCh <- msg:
		return true
	case <-st.done:
		return false
	}
}

func (s *Server) handleRequest(req *protocol.Request, st *connState) *protocol.Ack {
	if req.Cmd == "auth" {
		// Auth is only meaningful as the first request; repeated auth on
		// an open session is a no-op.
		return &protocol.Ack{Status: "ok"}
	}

	if req.Cmd == "hello" {
		if st.conn != nil {
			return &protocol.Ack{Status: "error_already_registered"}
		}
		var flags bus.HelloFlags
		if req.Activator {
			flags |= bus.HelloActivator
		}
		st.conn = s.bus.NewConn(flags)
		return &protocol.Ack{Status: "ok", Fields: []string{
			strconv.FormatUint(st.conn.ID, 10),
			s.bus.ID.String(),
		}}
	}

	if st.conn == nil {
		return &protocol.Ack{Status: "error_hello_required"}
	}

	s.log.Debug("request", "conn", st.conn.ID, "cmd", req.Cmd, "name", req.Name)

	switch req.Cmd {
	case "a":
		return s.handleAcquire(req, st)
	case "r":
		return s.handleRelease(req, st)

	case "q":
		id, flags, err := s.reg.Resolve(req.Name)
		if err != nil {
			return &protocol.Ack{Status: statusFor(err)}
		}
		return &protocol.Ack{Status: "ok", Fields: []string{
			strconv.FormatUint(id, 10),
			strconv.FormatUint(uint64(flags), 10),
		}}

	case "ls":
		conns := s.bus.SnapshotConns()
		defer func() {
			for _, c := range conns {
				c.Unref()
			}
		}()
		off, size, err := s.reg.List(conns, st.conn, names.ListFlags(req.Flags))
		if err != nil {
			return &protocol.Ack{Status: statusFor(err)}
		}
		buf := st.conn.Pool().Slice(off)
		b64 := base64.StdEncoding.EncodeToString(buf)
		st.conn.Pool().Free(off)
		return &protocol.Ack{Status: "ok", Fields: []string{
			strconv.FormatUint(off, 10),
			strconv.FormatUint(size, 10),
			b64,
		}}

	case "w":
		w := &watch.Watcher{
			ConnID:     st.conn.ID,
			Pattern:    req.Name,
			WriteCh:    st.outCh,
			CancelConn: st.cancel,
		}
		if err := s.wm.Watch(w); err != nil {
			return &protocol.Ack{Status: "error_invalid_pattern"}
		}
		return &protocol.Ack{Status: "ok"}

	case "uw":
		s.wm.Unwatch(req.Name, st.conn.ID)
		return &protocol.Ack{Status: "ok"}

	case "send":
		id, _, err := s.reg.Resolve(req.Name)
		if err != nil {
			return &protocol.Ack{Status: statusFor(err)}
		}
		owner := s.bus.FindConn(id)
		if owner == nil {
			return &protocol.Ack{Status: statusFor(names.ErrNoConn)}
		}
		defer owner.Unref()
		if err := owner.EnqueueMessage(req.Payload); err != nil {
			return &protocol.Ack{Status: statusFor(err)}
		}
		return &protocol.Ack{Status: "ok"}

	case "recv":
		msg := st.conn.PopMessage()
		if msg == nil {
			return &protocol.Ack{Status: "empty"}
		}
		return &protocol.Ack{Status: "ok", Fields: []string{
			base64.StdEncoding.EncodeToString(msg),
		}}

	case "stats":
		snapshot := struct {
			Registry *names.Stats      `json:"registry"`
			Watches  []watch.WatchInfo `json:"watches"`
		}{
			Registry: s.reg.Stats(int(s.connCount.Load())),
			Watches:  s.wm.Stats(),
		}
		data, err := json.Marshal(snapshot)
		if err != nil {
			return &protocol.Ack{Status: "error"}
		}
		return &protocol.Ack{Status: "ok", Fields: []string{string(data)}}
	}

	s.log.Warn("unknown command in handleRequest", "cmd", req.Cmd, "conn", st.conn.ID)
	return &protocol.Ack{Status: "error"}
}

// statusFor maps the registry error taxonomy onto wire statuses.
func statusFor(err error) string {
	switch {
	case errors.Is(err, names.ErrInvalidName):
		return "error_invalid_name"
	case errors.Is(err, names.ErrTooManyNames):
		return "error_too_many_names"
	case errors.Is(err, names.ErrMaxNames):
		return "error_max_names"
	case errors.Is(err, names.ErrMaxWaiters):
		return "error_max_waiters"
	case errors.Is(err, names.ErrNameExists):
		return "error_exists"
	case errors.Is(err, names.ErrNameNotFound):
		return "error_not_found"
	case errors.Is(err, names.ErrPermissionDenied):
		return "error_permission"
	case errors.Is(err, names.ErrNoConn):
		return "error_no_conn"
	case errors.Is(err, bus.ErrPoolExhausted):
		return "error_no_space"
	default:
		return "error"
	}
}

// resolveTarget applies the privileged act-on-behalf path: a nonzero
// target id names another connection to act as. The returned conn is
// referenced; the caller must Unref it.
func (s *Server) resolveTarget(req *protocol.Request, st *connState) (*bus.Conn, error) {
	if req.TargetID == 0 || req.TargetID == st.conn.ID {
		return st.conn.Ref(), nil
	}
	if !st.privileged {
		return nil, names.ErrPermissionDenied
	}
	target := s.bus.FindConn(req.TargetID)
	if target == nil {
		return nil, names.ErrNoConn
	}
	return target, nil
}

func (s *Server) handleAcquire(req *protocol.Request, st *connState) *protocol.Ack {
	if !names.IsValid(req.Name) {
		return &protocol.Ack{Status: statusFor(names.ErrInvalidName)}
	}

	target, err := s.resolveTarget(req, st)
	if err != nil {
		return &protocol.Ack{Status: statusFor(err)}
	}
	defer target.Unref()

	if target.NamesCount() >= s.cfg.MaxNamesPerConn {
		return &protocol.Ack{Status: statusFor(names.ErrTooManyNames)}
	}
	if !s.pol.CanOwn(st.privileged, req.Name) {
		return &protocol.Ack{Status: statusFor(names.ErrPermissionDenied)}
	}

	nlog := &names.Log{}
	flags, err := s.reg.Acquire(target, req.Name, names.Flags(req.Flags), nlog)
	s.wm.Drain(nlog)

	flagsField := []string{strconv.FormatUint(uint64(flags), 10)}
	switch {
	case err == nil:
		return &protocol.Ack{Status: "ok", Fields: flagsField}
	case errors.Is(err, names.ErrAlreadyOwner):
		return &protocol.Ack{Status: "already", Fields: flagsField}
	default:
		return &protocol.Ack{Status: statusFor(err)}
	}
}

func (s *Server) handleRelease(req *protocol.Request, st *connState) *protocol.Ack {
	if !names.IsValid(req.Name) {
		return &protocol.Ack{Status: statusFor(names.ErrInvalidName)}
	}

	target, err := s.resolveTarget(req, st)
	if err != nil {
		return &protocol.Ack{Status: statusFor(err)}
	}
	defer target.Unref()

	nlog := &names.Log{}
	err = s.reg.Release(target, req.Name, nlog)
	s.wm.Drain(nlog)

	if err != nil {
		return &protocol.Ack{Status: statusFor(err)}
	}
	return &protocol.Ack{Status: "ok"}
}
