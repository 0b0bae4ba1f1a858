package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	ServiceRunning = "running"
	ServiceStopped = "stopped"
	ServiceError   = "error"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrInvalidAction   = errors.New("invalid action, supported actions: start, stop, restart")
)

// Controller starts and stops a background component. Services registered
// without one only track state.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ControllerFuncs adapts a pair of functions to Controller.
type ControllerFuncs struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f ControllerFuncs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f ControllerFuncs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

type ServiceInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	StartTime    *time.Time `json:"startTime"`
	Uptime       int64      `json:"uptime"`
	ErrorCount   int        `json:"errorCount"`
	LastActivity *time.Time `json:"lastActivity"`
	LastError    string     `json:"lastError,omitempty"`
}

type service struct {
	id           string
	name         string
	status       string
	startTime    time.Time
	errorCount   int
	lastActivity time.Time
	lastError    string
	ctrl         Controller
}

// ServiceRegistry tracks the background services of the process and lets
// operators start, stop and restart them.
type ServiceRegistry struct {
	mu       sync.Mutex
	services map[string]*service
	order    []string
	now      func() time.Time
	log      *zap.Logger
}

func NewServiceRegistry(log *zap.Logger) *ServiceRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &ServiceRegistry{
		services: make(map[string]*service),
		now:      time.Now,
		log:      log.Named("services"),
	}
}

// Register adds a service in the given state. Registering an existing id
// replaces it.
func (r *ServiceRegistry) Register(id, name string, ctrl Controller, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	svc := &service{id: id, name: name, status: ServiceStopped, lastActivity: now, ctrl: ctrl}
	if running {
		svc.status = ServiceRunning
		svc.startTime = now
	}
	if _, ok := r.services[id]; !ok {
		r.order = append(r.order, id)
	}
	r.services[id] = svc
}

func (r *ServiceRegistry) info(s *service) ServiceInfo {
	info := ServiceInfo{
		ID:         s.id,
		Name:       s.name,
		Status:     s.status,
		ErrorCount: s.errorCount,
		LastError:  s.lastError,
	}
	if !s.startTime.IsZero() {
		start := s.startTime
		info.StartTime = &start
		info.Uptime = int64(r.now().Sub(start).Seconds())
	}
	if !s.lastActivity.IsZero() {
		last := s.lastActivity
		info.LastActivity = &last
	}
	return info
}

func (r *ServiceRegistry) List() []ServiceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServiceInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.info(r.services[id]))
	}
	return out
}

func (r *ServiceRegistry) Get(id string) (ServiceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.services[id]
	if !ok {
		return ServiceInfo{}, false
	}
	return r.info(s), true
}

// Touch records activity on a service.
func (r *ServiceRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[id]; ok {
		s.lastActivity = r.now()
	}
}

// RecordError counts a failure reported by a running service.
func (r *ServiceRegistry) RecordError(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[id]; ok {
		s.errorCount++
		s.lastError = err.Error()
		s.lastActivity = r.now()
	}
}

// Control applies start, stop or restart. Restart clears the error count.
// The returned message describes what happened.
func (r *ServiceRegistry) Control(ctx context.Context, id, action string) (ServiceInfo, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.services[id]
	if !ok {
		return ServiceInfo{}, "", ErrServiceNotFound
	}

	var message string
	switch action {
	case "start":
		if s.status == ServiceRunning {
			message = fmt.Sprintf("service %s is already running", s.name)
			break
		}
		if err := r.start(ctx, s); err != nil {
			return r.info(s), "", err
		}
		message = fmt.Sprintf("service %s started", s.name)

	case "stop":
		if s.status == ServiceStopped {
			message = fmt.Sprintf("service %s is already stopped", s.name)
			break
		}
		if err := r.stop(ctx, s); err != nil {
			return r.info(s), "", err
		}
		message = fmt.Sprintf("service %s stopped", s.name)

	case "restart":
		if s.status == ServiceRunning {
			if err := r.stop(ctx, s); err != nil {
				return r.info(s), "", err
			}
		}
		s.errorCount = 0
		s.lastError = ""
		if err := r.start(ctx, s); err != nil {
			return r.info(s), "", err
		}
		message = fmt.Sprintf("service %s restarted", s.name)

	default:
		return ServiceInfo{}, "", ErrInvalidAction
	}

	s.lastActivity = r.now()
	r.log.Info("service control", zap.String("service", id), zap.String("action", action), zap.String("status", s.status))
	return r.info(s), message, nil
}

func (r *ServiceRegistry) start(ctx context.Context, s *service) error {
	if s.ctrl != nil {
		if err := s.ctrl.Start(ctx); err != nil {
			r.fail(s, err)
			return fmt.Errorf("failed to start %s: %w", s.id, err)
		}
	}
	s.status = ServiceRunning
	s.startTime = r.now()
	return nil
}

func (r *ServiceRegistry) stop(ctx context.Context, s *service) error {
	if s.ctrl != nil {
		if err := s.ctrl.Stop(ctx); err != nil {
			r.fail(s, err)
			return fmt.Errorf("failed to stop %s: %w", s.id, err)
		}
	}
	s.status = ServiceStopped
	s.startTime = time.Time{}
	return nil
}

func (r *ServiceRegistry) fail(s *service, err error) {
	s.status = ServiceError
	s.errorCount++
	s.lastError = err.Error()
	s.lastActivity = r.now()
	r.log.Error("service control failed", zap.String("service", s.id), zap.Error(err))
}

// StopAll stops every running service that has a controller, in reverse
// registration order.
func (r *ServiceRegistry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.services[r.order[i]]
		if s.status != ServiceRunning || s.ctrl == nil {
			continue
		}
		if err := r.stop(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Counts summarises service states for the metrics endpoint.
func (r *ServiceRegistry) Counts() (total, running, failed, errorsTotal int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.services {
		total++
		switch s.status {
		case ServiceRunning:
			running++
		case ServiceError:
			failed++
		}
		errorsTotal += s.errorCount
	}
	return
}
