package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"codetier/internal/sandbox"
	appErr "codetier/pkg/errors"
	"codetier/pkg/utils/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultAckGrace     = 5 * time.Second
	defaultHelloTimeout = 10 * time.Second
)

// HubConfig holds hub settings.
type HubConfig struct {
	// AckGrace is how long the hub waits for an agent to acknowledge an
	// assignment before it declares the agent dead.
	AckGrace time.Duration `yaml:"ackGrace"`

	// TickInterval is how often queued jobs are matched to agents.
	TickInterval time.Duration `yaml:"tickInterval"`
}

// Hub fans jobs out to remote runner agents over websockets. Assignment is
// least-loaded: the agent with the fewest open jobs and spare capacity wins.
// An agent that misses the ack grace window, or whose connection drops, has
// all of its open jobs resubmitted unconditionally; futures resolve exactly
// once, so a duplicate verdict from a zombie agent is harmless.
type Hub struct {
	ackGrace     time.Duration
	tickInterval time.Duration
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	agents  map[string]*agentConn
	queue   []queuedJob
	pending map[string]*pendingJob
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type agentConn struct {
	id       string
	capacity int
	conn     *websocket.Conn

	writeMu sync.Mutex
	open    map[string]struct{}
}

type pendingJob struct {
	item     queuedJob
	agentID  string
	ackTimer *time.Timer
	acked    bool
}

// NewHub creates a hub and starts its assignment loop.
func NewHub(cfg HubConfig) *Hub {
	if cfg.AckGrace <= 0 {
		cfg.AckGrace = defaultAckGrace
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	h := &Hub{
		ackGrace:     cfg.AckGrace,
		tickInterval: cfg.TickInterval,
		upgrader:     websocket.Upgrader{ReadBufferSize: 64 * 1024, WriteBufferSize: 64 * 1024},
		agents:       make(map[string]*agentConn),
		pending:      make(map[string]*pendingJob),
		stop:         make(chan struct{}),
	}
	h.wg.Add(1)
	go h.assignLoop()
	return h
}

// Submit enqueues a job for assignment on the next tick.
func (h *Hub) Submit(ctx context.Context, job sandbox.Job) (*Future, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, appErr.New(appErr.DispatcherClosed)
	}
	future := newFuture()
	h.queue = append(h.queue, queuedJob{ctx: ctx, job: job, future: future})
	return future, nil
}

// Close stops assignment and disconnects every agent. Unassigned and open
// jobs resolve as ERROR.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	queued := h.queue
	h.queue = nil
	pending := h.pending
	h.pending = make(map[string]*pendingJob)
	agents := h.agents
	h.agents = make(map[string]*agentConn)
	h.mu.Unlock()

	close(h.stop)
	h.wg.Wait()
	for _, agent := range agents {
		agent.conn.Close()
	}
	for _, item := range queued {
		item.future.resolve(sandbox.JobResult{Status: sandbox.StatusError, Message: "dispatcher closed"})
	}
	for _, p := range pending {
		p.ackTimer.Stop()
		p.item.future.resolve(sandbox.JobResult{Status: sandbox.StatusError, Message: "dispatcher closed"})
	}
	return nil
}

// HandleAgent upgrades an HTTP request into an agent connection. The agent
// must open with a hello frame naming itself and its capacity.
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "agent upgrade failed", zap.Error(err))
		return
	}

	conn.SetReadDeadline(time.Now().Add(defaultHelloTimeout)) //nolint:errcheck
	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != msgHello || hello.AgentID == "" || hello.Capacity <= 0 {
		logger.Warn(r.Context(), "agent hello rejected", zap.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	agent := &agentConn{
		id:       hello.AgentID,
		capacity: hello.Capacity,
		conn:     conn,
		open:     make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := h.agents[agent.id]; ok {
		old.conn.Close()
	}
	h.agents[agent.id] = agent
	h.mu.Unlock()

	logger.Info(r.Context(), "agent connected",
		zap.String("agent_id", agent.id), zap.Int("capacity", agent.capacity))
	h.readLoop(agent)
}

// AgentCount returns the number of connected agents.
func (h *Hub) AgentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

func (h *Hub) readLoop(agent *agentConn) {
	defer h.dropAgent(agent)
	for {
		var msg envelope
		if err := agent.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case msgAck:
			h.handleAck(msg.JobID)
		case msgResult:
			h.handleResult(agent, msg)
		}
	}
}

func (h *Hub) handleAck(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pending[jobID]; ok {
		p.acked = true
		p.ackTimer.Stop()
	}
}

func (h *Hub) handleResult(agent *agentConn, msg envelope) {
	if msg.Result == nil {
		return
	}
	h.mu.Lock()
	p, ok := h.pending[msg.JobID]
	if ok {
		delete(h.pending, msg.JobID)
		p.ackTimer.Stop()
	}
	delete(agent.open, msg.JobID)
	h.mu.Unlock()

	if ok {
		p.item.future.resolve(*msg.Result)
	}
}

// dropAgent unregisters a disconnected agent and resubmits every job it
// still had open. Resubmission is unconditional: a verdict that arrives
// later from a resurrected agent loses the resolve race and is dropped.
func (h *Hub) dropAgent(agent *agentConn) {
	agent.conn.Close()

	h.mu.Lock()
	if current, ok := h.agents[agent.id]; ok && current == agent {
		delete(h.agents, agent.id)
	}
	var requeued int
	for jobID := range agent.open {
		p, ok := h.pending[jobID]
		if !ok {
			continue
		}
		delete(h.pending, jobID)
		p.ackTimer.Stop()
		h.queue = append(h.queue, p.item)
		requeued++
	}
	h.mu.Unlock()

	logger.Info(context.Background(), "agent disconnected",
		zap.String("agent_id", agent.id), zap.Int("resubmitted", requeued))
}

func (h *Hub) assignLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.assign()
		}
	}
}

func (h *Hub) assign() {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		agent := h.leastLoadedLocked()
		if agent == nil {
			h.mu.Unlock()
			return
		}
		item := h.queue[0]
		h.queue = h.queue[1:]

		p := &pendingJob{item: item, agentID: agent.id}
		p.ackTimer = time.AfterFunc(h.ackGrace, func() {
			h.ackExpired(agent, item.job.ID)
		})
		h.pending[item.job.ID] = p
		agent.open[item.job.ID] = struct{}{}
		h.mu.Unlock()

		if err := agent.send(envelope{Type: msgAssign, JobID: item.job.ID, Job: toPayload(item.job)}); err != nil {
			// Write failure means the connection is gone; dropAgent in
			// the read loop requeues this job.
			agent.conn.Close()
			return
		}
	}
}

// leastLoadedLocked picks the agent with the fewest open jobs that still has
// capacity headroom. Caller holds h.mu.
func (h *Hub) leastLoadedLocked() *agentConn {
	var best *agentConn
	for _, agent := range h.agents {
		if len(agent.open) >= agent.capacity {
			continue
		}
		if best == nil || len(agent.open) < len(best.open) {
			best = agent
		}
	}
	return best
}

// ackExpired fires when an agent sat on an assignment past the grace window.
// The agent is forcibly disconnected; dropAgent resubmits its open jobs.
func (h *Hub) ackExpired(agent *agentConn, jobID string) {
	h.mu.Lock()
	p, ok := h.pending[jobID]
	expired := ok && !p.acked && p.agentID == agent.id
	h.mu.Unlock()
	if !expired {
		return
	}
	logger.Warn(context.Background(), "agent missed ack grace, disconnecting",
		zap.String("agent_id", agent.id), zap.String("job_id", jobID))
	agent.conn.Close()
}

func (a *agentConn) send(msg envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(msg)
}
