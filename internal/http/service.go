package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/dispatch"
)

// Dispatcher is the tool router behind the REST surface.
type Dispatcher interface {
	Tools() []dispatch.Tool
	Call(ctx context.Context, tool string, args json.RawMessage, caller auth.Info) (any, error)
	Status(ctx context.Context) (core.Status, error)
}

// HealthFunc reports the store circuit state: "closed", "half_open" or
// "open".
type HealthFunc func() string

type Service struct {
	dispatcher Dispatcher
	health     HealthFunc
	logger     *slog.Logger
}

func NewService(d Dispatcher) *Service {
	return &Service{dispatcher: d, logger: slog.Default().With("component", "http")}
}

func (s *Service) WithHealth(fn HealthFunc) *Service {
	s.health = fn
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l.With("component", "http")
	}
	return s
}
