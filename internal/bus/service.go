package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/abogen/internal/job"
	"github.com/loqalabs/abogen/internal/protocol"
)

const submitTimeout = 10 * time.Second

// Jobs is the slice of the job registry the service exposes.
type Jobs interface {
	Submit(ctx context.Context, req job.Request) (string, error)
	Status(id string) (job.Info, error)
	Cancel(id string) error
	List() []job.Info
}

// Service answers job requests on the abogen.jobs.* subjects.
type Service struct {
	bus    *Client
	jobs   Jobs
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(parent context.Context, busClient *Client, jobs Jobs, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		jobs:   jobs,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "bus-service")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectJobSubmit: s.handleSubmit,
		protocol.SubjectJobStatus: s.handleStatus,
		protocol.SubjectJobCancel: s.handleCancel,
		protocol.SubjectJobList:   s.handleList,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, h)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	// Make sure the server has registered the subscriptions before callers
	// start issuing requests.
	if err := s.bus.Conn().Flush(); err != nil {
		s.unsubscribeLocked()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.logger.Info("job service listening", slog.Int("subjects", len(s.subs)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
}

func (s *Service) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0 && s.bus.Healthy()
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.SubmitReply{Error: badRequest(err)})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, submitTimeout)
	defer cancel()
	id, err := s.jobs.Submit(ctx, req)
	if err != nil {
		s.logger.Warn("submit over bus failed", slogError(err))
		s.respond(msg, protocol.SubmitReply{Error: protocol.ErrorFrom(err)})
		return
	}
	s.respond(msg, protocol.SubmitReply{JobID: id})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	var ref protocol.JobRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil {
		s.respond(msg, protocol.StatusReply{Error: badRequest(err)})
		return
	}
	info, err := s.jobs.Status(ref.JobID)
	if err != nil {
		s.respond(msg, protocol.StatusReply{Error: protocol.ErrorFrom(err)})
		return
	}
	s.respond(msg, protocol.StatusReply{Job: &info})
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var ref protocol.JobRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil {
		s.respond(msg, protocol.StatusReply{Error: badRequest(err)})
		return
	}
	if err := s.jobs.Cancel(ref.JobID); err != nil {
		s.respond(msg, protocol.StatusReply{Error: protocol.ErrorFrom(err)})
		return
	}
	info, err := s.jobs.Status(ref.JobID)
	if err != nil {
		s.respond(msg, protocol.StatusReply{Error: protocol.ErrorFrom(err)})
		return
	}
	s.respond(msg, protocol.StatusReply{Job: &info})
}

func (s *Service) handleList(msg *nats.Msg) {
	s.respond(msg, protocol.ListReply{Jobs: s.jobs.List()})
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func badRequest(err error) *protocol.ErrorBody {
	return &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: err.Error()}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
