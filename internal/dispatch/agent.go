package dispatch

import (
	"context"
	"sync"
	"time"

	"codetier/internal/sandbox"
	appErr "codetier/pkg/errors"
	"codetier/pkg/utils/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultReconnectBackoff = 3 * time.Second

// AgentConfig holds runner agent settings.
type AgentConfig struct {
	ID       string `yaml:"id"`
	HubURL   string `yaml:"hubURL"`
	Capacity int    `yaml:"capacity"`

	ReconnectBackoff time.Duration `yaml:"reconnectBackoff"`
}

// Agent is the remote end of the hub: it dials in over a websocket,
// announces its capacity, and runs assigned jobs under a local concurrency
// cap. Each assignment is acked immediately so the hub's grace timer stops,
// then executed and answered with a result frame.
type Agent struct {
	id       string
	hubURL   string
	capacity int
	backoff  time.Duration
	runner   JobRunner
	sem      chan struct{}
}

// NewAgent creates an agent. Like the pool, capacity has no default.
func NewAgent(runner JobRunner, cfg AgentConfig) (*Agent, error) {
	if runner == nil {
		return nil, appErr.New(appErr.DispatcherMisconfigured).WithDetail("reason", "runner is required")
	}
	if cfg.ID == "" {
		return nil, appErr.New(appErr.DispatcherMisconfigured).WithDetail("reason", "agent id is required")
	}
	if cfg.HubURL == "" {
		return nil, appErr.New(appErr.DispatcherMisconfigured).WithDetail("reason", "hub url is required")
	}
	if cfg.Capacity <= 0 {
		return nil, appErr.New(appErr.DispatcherMisconfigured).WithDetail("reason", "capacity must be positive")
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	return &Agent{
		id:       cfg.ID,
		hubURL:   cfg.HubURL,
		capacity: cfg.Capacity,
		backoff:  cfg.ReconnectBackoff,
		runner:   runner,
		sem:      make(chan struct{}, cfg.Capacity),
	}, nil
}

// Run connects to the hub and serves assignments until the context ends,
// redialing after each lost connection.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.session(ctx); err != nil {
			logger.Warn(ctx, "hub session ended", zap.String("agent_id", a.id), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.backoff):
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.hubURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	if err := send(envelope{Type: msgHello, AgentID: a.id, Capacity: a.capacity}); err != nil {
		return err
	}

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type != msgAssign || msg.Job == nil {
			continue
		}
		if err := send(envelope{Type: msgAck, JobID: msg.JobID}); err != nil {
			return err
		}
		go a.execute(ctx, msg, send)
	}
}

func (a *Agent) execute(ctx context.Context, msg envelope, send func(envelope) error) {
	a.sem <- struct{}{}
	defer func() { <-a.sem }()

	var result sandbox.JobResult
	job, err := msg.Job.toJob()
	if err != nil {
		result = sandbox.JobResult{Status: sandbox.StatusError, Message: "bad job payload: " + err.Error()}
	} else {
		result = a.runner.Run(ctx, job)
	}
	if err := send(envelope{Type: msgResult, JobID: msg.JobID, Result: &result}); err != nil {
		logger.Warn(ctx, "result send failed, hub will resubmit",
			zap.String("agent_id", a.id), zap.String("job_id", msg.JobID), zap.Error(err))
	}
}
