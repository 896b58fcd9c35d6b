package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"go.uber.org/zap"
)

// Service answers action requests sent by NATSTarget and hands them to a
// local Target, e.g. a broadcast software bridge.
type Service struct {
	service micro.Service
	target  Target
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// ServiceConfig holds the configuration for the action service
type ServiceConfig struct {
	ServiceName   string
	Version       string
	Description   string
	SubjectPrefix string
	Timeout       time.Duration
	Target        Target
	Logger        *zap.Logger
}

// NewService registers the action endpoints on nc
func NewService(nc *nats.Conn, cfg ServiceConfig) (*Service, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("target cannot be nil")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "action-target"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Description == "" {
		cfg.Description = "Broadcast action target"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Service{
		target:  cfg.Target,
		prefix:  cfg.SubjectPrefix,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.Named("action-service"),
	}

	svc, err := micro.AddService(nc, micro.Config{
		Name:        cfg.ServiceName,
		Version:     cfg.Version,
		Description: cfg.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS service: %w", err)
	}
	s.service = svc

	for _, verb := range []string{VerbScene, VerbOverlay, VerbRecord, VerbReplay} {
		err = svc.AddEndpoint(verb, micro.HandlerFunc(s.handle),
			micro.WithEndpointSubject(fmt.Sprintf("%s.*.%s", cfg.SubjectPrefix, verb)),
			micro.WithEndpointMetadata(map[string]string{
				"description": "Execute a " + verb + " action",
				"format":      "application/cloudevents+json",
			}))
		if err != nil {
			svc.Stop()
			return nil, fmt.Errorf("failed to add %s endpoint: %w", verb, err)
		}
	}

	s.logger.Info("action service started",
		zap.String("serviceName", svc.Info().Name),
		zap.String("version", svc.Info().Version))
	return s, nil
}

// Stop stops the service. The connection is owned by the caller.
func (s *Service) Stop() error {
	if s.service == nil {
		return nil
	}
	return s.service.Stop()
}

// handle processes one action request
func (s *Service) handle(req micro.Request) {
	verb := req.Subject()[strings.LastIndex(req.Subject(), ".")+1:]

	event := ce.NewEvent()
	if err := json.Unmarshal(req.Data(), &event); err != nil {
		s.respondWithError(req, "invalid_request", err)
		return
	}
	var body request
	if err := event.DataAs(&body); err != nil {
		s.respondWithError(req, "invalid_request", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var err error
	switch verb {
	case VerbScene:
		err = s.target.SwitchScene(ctx, body.Connection, body.TargetID)
	case VerbOverlay:
		err = s.target.ShowOverlay(ctx, body.Connection, body.TargetID)
	case VerbRecord:
		if body.Recording == nil {
			s.respondWithError(req, "invalid_request", fmt.Errorf("recording flag missing"))
			return
		}
		err = s.target.SetRecording(ctx, body.Connection, *body.Recording)
	case VerbReplay:
		err = s.target.SaveReplay(ctx, body.Connection)
	default:
		err = fmt.Errorf("unknown verb %q", verb)
	}
	if err != nil {
		s.logger.Error("action failed",
			zap.String("verb", verb),
			zap.String("connection", body.Connection),
			zap.Error(err))
		s.respondWithError(req, "execution_error", err)
		return
	}

	if err := req.RespondJSON(response{}); err != nil {
		s.logger.Error("failed to send response", zap.Error(err))
	}
}

// respondWithError sends an error response
func (s *Service) respondWithError(req micro.Request, errorType string, err error) {
	if err := req.RespondJSON(response{Error: err.Error(), ErrorType: errorType}); err != nil {
		s.logger.Error("failed to send error response", zap.Error(err))
	}
}
