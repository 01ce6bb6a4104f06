package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	ghostline "github.com/Paranoid-AF/ghostline"
	"github.com/Paranoid-AF/ghostline/backend"
	defaults "github.com/Paranoid-AF/ghostline/default"
	"github.com/Paranoid-AF/ghostline/suggest"
)

// maxMessageSize bounds one client message, which carries a whole document.
const maxMessageSize = 16 << 20

// Completer is the completion backend shared by every session.
type Completer interface {
	suggest.Client
	Close()
}

// CompleterFactory builds a Completer for a configuration.
type CompleterFactory func(cfg *ghostline.Config) (Completer, error)

// newBackend is the production CompleterFactory.
func newBackend(cfg *ghostline.Config) (Completer, error) {
	c, err := backend.New(ghostline.ClientConfig(cfg, ghostline.LoadPrompt(cfg)))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Server listens on a Unix domain socket for editor sessions.
type Server struct {
	listener net.Listener
	sockPath string
	factory  CompleterFactory
	logger   *slog.Logger

	mu       sync.Mutex
	cfg      *ghostline.Config
	client   Completer
	sessions map[string]*session
	peers    map[*peer]struct{}
	closed   bool
}

// NewServer creates a new IPC server bound to the given socket path, using the
// on-disk configuration and the real completion backend.
func NewServer(sockPath string) (*Server, error) {
	cfg, err := ghostline.LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewServerWithFactory(sockPath, cfg, newBackend)
}

// NewServerWithFactory creates a new IPC server with a custom backend factory.
func NewServerWithFactory(sockPath string, cfg *ghostline.Config, factory CompleterFactory) (*Server, error) {
	client, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion backend: %w", err)
	}

	// Remove stale socket file if it exists
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		client.Close()
		return nil, err
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &Server{
		listener: listener,
		sockPath: sockPath,
		factory:  factory,
		logger:   slog.Default(),
		cfg:      cfg,
		client:   client,
		sessions: make(map[string]*session),
		peers:    make(map[*peer]struct{}),
	}, nil
}

// Serve accepts connections and handles them until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close shuts down every session, the backend, and removes the socket file.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	peers := s.peers
	s.peers = make(map[*peer]struct{})
	client := s.client
	s.mu.Unlock()

	s.listener.Close()
	os.Remove(s.sockPath)
	for _, sess := range sessions {
		sess.engine.Close()
	}
	for p := range peers {
		p.close()
	}
	client.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	p := newPeer(lineTransport{conn: conn}, s.logger)
	if !s.addPeer(p) {
		conn.Close()
		return
	}
	defer s.dropPeer(p)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		s.handleRaw(p, scanner.Bytes())
	}
}

func (s *Server) addPeer(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

// dropPeer closes the sessions owned by p.
func (s *Server) dropPeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	var owned []*session
	for id, sess := range s.sessions {
		if sess.owner == p {
			owned = append(owned, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range owned {
		sess.engine.Close()
	}
	p.close()
}

func (s *Server) handleRaw(p *peer, raw []byte) {
	s.logger.Debug("request", "data", string(raw))

	var msg ghostline.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("invalid request", "error", err)
		p.sendError("", "invalid_request", "malformed message: "+err.Error())
		return
	}
	s.handleMessage(p, &msg)
}

func (s *Server) handleMessage(p *peer, msg *ghostline.ClientMessage) {
	switch msg.Type {
	case ghostline.MsgConfig:
		resp := s.handleConfig(msg.Action)
		p.send(ghostline.ServerEvent{Type: ghostline.EventConfig, Config: resp})
		return
	case ghostline.MsgOpen:
		s.open(p, msg)
		return
	}

	if msg.SessionID == "" {
		p.sendError("", "invalid_request", "session_id is required")
		return
	}
	sess := s.lookup(msg.SessionID)
	if sess == nil {
		p.sendError(msg.SessionID, "unknown_session", "no open session "+msg.SessionID)
		return
	}

	switch msg.Type {
	case ghostline.MsgDoc:
		if msg.Text == nil {
			p.sendError(msg.SessionID, "invalid_request", "text is required")
			return
		}
		textChanged, selChanged := sess.host.update(msg.Text, msg.Selection)
		switch {
		case textChanged:
			sess.engine.DocChanged()
		case selChanged:
			sess.engine.SelectionChanged()
		}

	case ghostline.MsgSelection:
		if msg.Selection == nil {
			p.sendError(msg.SessionID, "invalid_request", "selection is required")
			return
		}
		if _, changed := sess.host.update(nil, msg.Selection); changed {
			sess.engine.SelectionChanged()
		}

	case ghostline.MsgKey:
		handled := sess.engine.HandleKey(suggest.Key(msg.Key))
		p.send(ghostline.ServerEvent{Type: ghostline.EventKey, SessionID: msg.SessionID, KeyID: msg.KeyID, Handled: &handled})

	case ghostline.MsgClick:
		sess.engine.HandleClick()

	case ghostline.MsgFocus:
		sess.host.setFocus(true)
		sess.engine.ScheduleIfEligible()

	case ghostline.MsgBlur:
		sess.host.setFocus(false)
		sess.engine.Blur()

	case ghostline.MsgEnable:
		if msg.Enabled == nil {
			p.sendError(msg.SessionID, "invalid_request", "enabled is required")
			return
		}
		sess.engine.SetEnabled(*msg.Enabled)
		if *msg.Enabled {
			sess.engine.ScheduleIfEligible()
		}

	case ghostline.MsgClose:
		s.closeSession(msg.SessionID)

	default:
		p.sendError(msg.SessionID, "invalid_request", "unknown message type: "+msg.Type)
	}
}

// lookup returns a copy of the session so callers never race with reload
// swapping its engine.
func (s *Server) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// open creates a session, replacing any session with the same id.
func (s *Server) open(p *peer, msg *ghostline.ClientMessage) {
	if msg.SessionID == "" {
		p.sendError("", "invalid_request", "session_id is required")
		return
	}
	text := ""
	if msg.Text != nil {
		text = *msg.Text
	}
	focus := msg.Focus == nil || *msg.Focus

	host := newMirror(msg.SessionID, p, text, msg.Selection, focus)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	engine := s.newEngineLocked(host)
	prev := s.sessions[msg.SessionID]
	s.sessions[msg.SessionID] = &session{id: msg.SessionID, owner: p, host: host, engine: engine}
	s.mu.Unlock()

	if prev != nil {
		s.logger.Debug("session reopened", "session", msg.SessionID)
		prev.engine.Close()
	}
	engine.ScheduleIfEligible()
}

// newEngineLocked builds an engine over host with the current config and
// backend. s.mu must be held.
func (s *Server) newEngineLocked(host *mirror) *suggest.Engine {
	logger := s.logger.With("session", host.id)
	engine := suggest.New(host, s.client, ghostline.EngineConfig(s.cfg),
		suggest.WithLogger(logger),
		suggest.WithDecorator(host),
		suggest.WithObserver(logObserver(logger)),
	)
	host.attach(engine)
	return engine
}

func (s *Server) closeSession(id string) {
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if sess != nil {
		sess.engine.Close()
	}
}

func (s *Server) handleConfig(action string) *ghostline.ConfigResponse {
	var resp ghostline.ConfigResponse

	switch action {
	case "get":
		cfg, err := ghostline.LoadConfig()
		if err != nil {
			resp.Error = &ghostline.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Config = cfg
		}

	case "reload":
		cfg, err := s.reload()
		if err != nil {
			resp.Error = &ghostline.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Config = cfg
		}

	case "defaults":
		resp.Config = ghostline.DefaultConfig()

	case "default_prompt":
		resp.Prompt = defaults.DefaultPrompt

	case "validate":
		cfg, err := ghostline.LoadConfig()
		if err != nil {
			resp.Error = &ghostline.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Warnings = ghostline.ValidateConfig(cfg)
		}

	default:
		resp.Error = &ghostline.Error{
			Code:    "unknown_action",
			Message: fmt.Sprintf("%s: %s", ghostline.ErrUnknownAction, action),
		}
	}

	return &resp
}

// reload re-reads the configuration, builds a new backend and moves every
// session onto a fresh engine. Documents and focus are kept.
func (s *Server) reload() (*ghostline.Config, error) {
	cfg, err := ghostline.LoadConfig()
	if err != nil {
		return nil, err
	}
	client, err := s.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion backend: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Close()
		return nil, errors.New("server is shutting down")
	}
	old := s.client
	s.cfg = cfg
	s.client = client
	var retired []*suggest.Engine
	var fresh []*suggest.Engine
	for _, sess := range s.sessions {
		retired = append(retired, sess.engine)
		sess.engine = s.newEngineLocked(sess.host)
		fresh = append(fresh, sess.engine)
	}
	s.mu.Unlock()

	for _, e := range retired {
		e.Close()
	}
	old.Close()
	for _, e := range fresh {
		e.ScheduleIfEligible()
	}

	s.logger.Info("engine reloaded", "sessions", len(fresh))
	return cfg, nil
}
