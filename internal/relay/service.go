// Package relay mirrors pipeline events onto NATS and lets a remote host
// start, stop and inspect sessions.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-cue/internal/bus"
	"github.com/loqalabs/loqa-cue/internal/pipeline"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Controller is the session lifecycle the relay exposes.
type Controller interface {
	StartSession(ctx context.Context, session protocol.SessionContext) (protocol.SessionContext, error)
	StopSession(ctx context.Context) error
	Status() Status
}

// Status describes the current session.
type Status struct {
	Running   bool                    `json:"running"`
	Session   protocol.SessionContext `json:"session"`
	StartedAt time.Time               `json:"started_at,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
}

// ControlReply answers every control request.
type ControlReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Status Status `json:"status"`
}

// Heartbeat is published on protocol.SubjectHeartbeat so hosts can tell
// the daemon is alive without polling.
type Heartbeat struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Option func(*Service)

// WithHeartbeat publishes a Heartbeat every interval. Zero disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Service) { s.heartbeat = interval }
}

type Service struct {
	bus       *bus.Client
	ctrl      Controller
	logger    *slog.Logger
	timeout   time.Duration
	heartbeat time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewService builds a relay. timeout bounds a remote stop request.
func NewService(parent context.Context, busClient *bus.Client, ctrl Controller, timeout time.Duration, logger *slog.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Service{
		bus:     busClient,
		ctrl:    ctrl,
		logger:  logger.With(slog.String("component", "relay")),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectControlStart:  s.handleStart,
		protocol.SubjectControlStop:   s.handleStop,
		protocol.SubjectControlStatus: s.handleStatus,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			for _, existing := range s.subs {
				_ = existing.Drain()
			}
			s.subs = nil
			return err
		}
		s.subs = append(s.subs, sub)
	}
	if s.heartbeat > 0 {
		s.wg.Add(1)
		go s.runHeartbeat()
	}
	return nil
}

func (s *Service) runHeartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		if err := s.publishHeartbeat(); err != nil {
			s.logger.Warn("failed to publish heartbeat", slogError(err))
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) publishHeartbeat() error {
	return s.bus.PublishJSON(protocol.SubjectHeartbeat, Heartbeat{
		Status:    s.ctrl.Status(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 3 && s.bus.Healthy()
}

// Publish mirrors one pipeline event.
func (s *Service) Publish(ev pipeline.Event) error {
	return s.bus.PublishJSON(EventSubject(ev.SessionID, ev.Kind, ev.Partial), ev)
}

// EventSubject builds cue.<session>.<kind>. Partial answer chunks go to
// cue.<session>.answer.partial, interim transcripts to
// cue.<session>.transcript.partial.
func EventSubject(sessionID string, kind pipeline.EventKind, partial bool) string {
	var suffix string
	switch kind {
	case pipeline.EventTranscript:
		suffix = protocol.SubjectTranscript
	case pipeline.EventQuestion:
		suffix = protocol.SubjectQuestion
	case pipeline.EventAnswer:
		suffix = protocol.SubjectAnswer
	default:
		suffix = protocol.SubjectError
	}
	if partial {
		suffix += ".partial"
	}
	return protocol.SubjectPrefix + "." + subjectToken(sessionID) + "." + suffix
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (s *Service) handleStart(msg *nats.Msg) {
	var session protocol.SessionContext
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &session); err != nil {
			s.logger.Warn("relay failed to decode start request", slogError(err))
			s.reply(msg, err)
			return
		}
	}
	started, err := s.ctrl.StartSession(s.ctx, session)
	if err != nil {
		s.logger.Warn("remote session start failed", slogError(err))
	} else {
		s.logger.Info("session started remotely", slog.String("session_id", started.ID))
	}
	s.reply(msg, err)
}

func (s *Service) handleStop(msg *nats.Msg) {
	// Stop waits for the grace period; keep the subscription responsive.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		err := s.ctrl.StopSession(ctx)
		if err != nil {
			s.logger.Warn("remote session stop failed", slogError(err))
		}
		s.reply(msg, err)
	}()
}

func (s *Service) handleStatus(msg *nats.Msg) {
	s.reply(msg, nil)
}

func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := ControlReply{OK: err == nil, Status: s.ctrl.Status()}
	if err != nil {
		resp.Error = err.Error()
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		s.logger.Warn("relay failed to encode reply", slogError(mErr))
		return
	}
	if rErr := msg.Respond(data); rErr != nil && !errors.Is(rErr, nats.ErrConnectionClosed) {
		s.logger.Warn("relay failed to respond", slogError(rErr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
