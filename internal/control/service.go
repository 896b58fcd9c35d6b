package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"go.uber.org/zap"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/engine"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
)

// DefaultSubjectPrefix is the subject root of the control endpoints
const DefaultSubjectPrefix = "restrike.control"

// Endpoint names; the request subject is <prefix>.<endpoint>
const (
	EndpointPreview    = "preview"
	EndpointLogs       = "logs"
	EndpointRoundStart = "round-start"
	EndpointMatchStart = "match-start"
	EndpointRuns       = "runs"
	EndpointCancel     = "cancel"
	EndpointReload     = "reload"
	EndpointReset      = "reset"
)

// Controller is the part of the engine the control plane operates on.
// *engine.Engine implements it.
type Controller interface {
	PreviewByID(id int64, ev *event.Event, considerLimits bool) (engine.Preview, error)
	RecentLogs(max int) []engine.ExecutionRecord
	OnRoundStart()
	OnMatchStart()
	Runs() []engine.RunInfo
	CancelRun(runID string) error
	CancelAll() int
	LoadRules(ctx context.Context) error
	ResetState(id int64)
	ResetAllState()
}

// PreviewRequest asks for a dry run of an active rule
type PreviewRequest struct {
	ID             int64        `json:"id"`
	Event          *event.Event `json:"event,omitempty"` // nil synthesizes one from the rule
	ConsiderLimits bool         `json:"consider_limits"`
}

type LogsRequest struct {
	Max int `json:"max"`
}

type CancelRequest struct {
	RunID string `json:"run_id,omitempty"`
	All   bool   `json:"all,omitempty"`
}

type CancelResponse struct {
	Cancelled int `json:"cancelled"`
}

type ReloadResponse struct {
	Rules int `json:"rules"`
}

// ResetRequest resets one trigger, or every trigger when ID is nil
type ResetRequest struct {
	ID *int64 `json:"id,omitempty"`
}

type ack struct {
	OK bool `json:"ok"`
}

// Service exposes a Controller as a NATS micro service
type Service struct {
	service micro.Service
	ctrl    Controller
	rules   func() int
	logger  *zap.Logger
}

// ServiceConfig holds the configuration for the control service
type ServiceConfig struct {
	ServiceName   string
	Version       string
	SubjectPrefix string
	Controller    Controller
	// RuleCount reports the active rule count after a reload; optional
	RuleCount func() int
	Logger    *zap.Logger
}

// NewService registers the control endpoints on nc
func NewService(nc *nats.Conn, cfg ServiceConfig) (*Service, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "trigger-control"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.RuleCount == nil {
		cfg.RuleCount = func() int { return -1 }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Service{
		ctrl:   cfg.Controller,
		rules:  cfg.RuleCount,
		logger: cfg.Logger.Named("control"),
	}

	svc, err := micro.AddService(nc, micro.Config{
		Name:        cfg.ServiceName,
		Version:     cfg.Version,
		Description: "Trigger engine control plane",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS service: %w", err)
	}
	s.service = svc

	group := svc.AddGroup(cfg.SubjectPrefix)
	endpoints := map[string]micro.HandlerFunc{
		EndpointPreview:    s.handlePreview,
		EndpointLogs:       s.handleLogs,
		EndpointRoundStart: s.handleRoundStart,
		EndpointMatchStart: s.handleMatchStart,
		EndpointRuns:       s.handleRuns,
		EndpointCancel:     s.handleCancel,
		EndpointReload:     s.handleReload,
		EndpointReset:      s.handleReset,
	}
	for name, handler := range endpoints {
		if err := group.AddEndpoint(name, handler); err != nil {
			svc.Stop()
			return nil, fmt.Errorf("failed to add %s endpoint: %w", name, err)
		}
	}

	s.logger.Info("control service started",
		zap.String("serviceName", svc.Info().Name),
		zap.String("subjectPrefix", cfg.SubjectPrefix))
	return s, nil
}

// Stop stops the service. The connection is owned by the caller.
func (s *Service) Stop() error {
	if s.service == nil {
		return nil
	}
	return s.service.Stop()
}

func (s *Service) handlePreview(req micro.Request) {
	var body PreviewRequest
	if !s.decode(req, &body) {
		return
	}
	p, err := s.ctrl.PreviewByID(body.ID, body.Event, body.ConsiderLimits)
	if err != nil {
		s.respondWithError(req, "400", err)
		return
	}
	s.respond(req, p)
}

func (s *Service) handleLogs(req micro.Request) {
	var body LogsRequest
	if !s.decode(req, &body) {
		return
	}
	s.respond(req, s.ctrl.RecentLogs(body.Max))
}

func (s *Service) handleRoundStart(req micro.Request) {
	s.ctrl.OnRoundStart()
	s.respond(req, ack{OK: true})
}

func (s *Service) handleMatchStart(req micro.Request) {
	s.ctrl.OnMatchStart()
	s.respond(req, ack{OK: true})
}

func (s *Service) handleRuns(req micro.Request) {
	s.respond(req, s.ctrl.Runs())
}

func (s *Service) handleCancel(req micro.Request) {
	var body CancelRequest
	if !s.decode(req, &body) {
		return
	}
	if body.All {
		s.respond(req, CancelResponse{Cancelled: s.ctrl.CancelAll()})
		return
	}
	if err := s.ctrl.CancelRun(body.RunID); err != nil {
		code := "500"
		if errors.Is(err, engine.ErrRunNotFound) {
			code = "404"
		}
		s.respondWithError(req, code, err)
		return
	}
	s.respond(req, CancelResponse{Cancelled: 1})
}

func (s *Service) handleReload(req micro.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.ctrl.LoadRules(ctx); err != nil {
		s.logger.Error("reload failed", zap.Error(err))
		s.respondWithError(req, "500", err)
		return
	}
	s.respond(req, ReloadResponse{Rules: s.rules()})
}

func (s *Service) handleReset(req micro.Request) {
	var body ResetRequest
	if !s.decode(req, &body) {
		return
	}
	if body.ID != nil {
		s.ctrl.ResetState(*body.ID)
	} else {
		s.ctrl.ResetAllState()
	}
	s.respond(req, ack{OK: true})
}

// decode parses the request body; an empty body leaves v untouched
func (s *Service) decode(req micro.Request, v interface{}) bool {
	if len(req.Data()) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Data(), v); err != nil {
		s.respondWithError(req, "400", fmt.Errorf("invalid request: %w", err))
		return false
	}
	return true
}

func (s *Service) respond(req micro.Request, v interface{}) {
	if err := req.RespondJSON(v); err != nil {
		s.logger.Error("failed to send response", zap.Error(err))
	}
}

func (s *Service) respondWithError(req micro.Request, code string, err error) {
	if err := req.Error(code, err.Error(), nil); err != nil {
		s.logger.Error("failed to send error response", zap.Error(err))
	}
}
