package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codetier/internal/sandbox"

	"github.com/gorilla/websocket"
)

func hubServer(t *testing.T, hub *Hub) (wsURL string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleAgent))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForAgents(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.AgentCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent count never reached %d", want)
}

func TestHubRoundTrip(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{TickInterval: 10 * time.Millisecond})
	defer hub.Close()
	wsURL := hubServer(t, hub)

	runner := &fakeRunner{result: sandbox.JobResult{Status: sandbox.StatusPass, TestsTotal: 2, TestsPassed: 2}}
	agent, err := NewAgent(runner, AgentConfig{ID: "agent-1", HubURL: wsURL, Capacity: 2})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx) //nolint:errcheck
	waitForAgents(t, hub, 1)

	future, err := hub.Submit(context.Background(), sandbox.Job{
		ID:            "job-1",
		Image:         "img",
		SolutionFiles: map[string][]byte{"main.py": []byte("print('hi')")},
		TestCaseFiles: map[string][]byte{"test.py": []byte("assert True")},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	result, err := future.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Status != sandbox.StatusPass || result.TestsTotal != 2 {
		t.Errorf("result = %+v, want PASS 2/2", result)
	}
}

func TestHubSpreadsLoadAcrossAgents(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{TickInterval: 10 * time.Millisecond})
	defer hub.Close()
	wsURL := hubServer(t, hub)

	// Each agent has capacity 1, so two concurrent jobs prove both got one.
	runner := &fakeRunner{
		block:  make(chan struct{}),
		result: sandbox.JobResult{Status: sandbox.StatusPass},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"agent-1", "agent-2"} {
		agent, err := NewAgent(runner, AgentConfig{ID: id, HubURL: wsURL, Capacity: 1})
		if err != nil {
			t.Fatalf("NewAgent(%s) error = %v", id, err)
		}
		go agent.Run(ctx) //nolint:errcheck
	}
	waitForAgents(t, hub, 2)

	var futures []*Future
	for _, id := range []string{"job-1", "job-2"} {
		future, err := hub.Submit(context.Background(), sandbox.Job{
			ID:            id,
			Image:         "img",
			SolutionFiles: map[string][]byte{"main.py": []byte("x")},
			TestCaseFiles: map[string][]byte{"test.py": []byte("y")},
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		futures = append(futures, future)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && runner.peakConcurrency() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if peak := runner.peakConcurrency(); peak != 2 {
		t.Errorf("peak concurrency = %d, want both agents running", peak)
	}
	close(runner.block)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	for i, future := range futures {
		if _, err := future.Wait(waitCtx); err != nil {
			t.Fatalf("Wait(%d) error = %v", i, err)
		}
	}
}

func TestHubResubmitsWhenAckMissed(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{TickInterval: 10 * time.Millisecond, AckGrace: 100 * time.Millisecond})
	defer hub.Close()
	wsURL := hubServer(t, hub)

	// A deaf agent: says hello, then ignores every assignment.
	deafDone := make(chan struct{})
	go func() {
		defer close(deafDone)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Errorf("deaf agent dial: %v", err)
			return
		}
		defer conn.Close()
		if err := conn.WriteJSON(envelope{Type: msgHello, AgentID: "deaf", Capacity: 1}); err != nil {
			t.Errorf("deaf agent hello: %v", err)
			return
		}
		for {
			// Reads until the hub force-disconnects it.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitForAgents(t, hub, 1)

	future, err := hub.Submit(context.Background(), sandbox.Job{
		ID:            "job-1",
		Image:         "img",
		SolutionFiles: map[string][]byte{"main.py": []byte("x")},
		TestCaseFiles: map[string][]byte{"test.py": []byte("y")},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// The hub must disconnect the deaf agent after the grace window.
	select {
	case <-deafDone:
	case <-time.After(5 * time.Second):
		t.Fatal("deaf agent was never disconnected")
	}

	// A healthy agent picks up the resubmitted job.
	runner := &fakeRunner{result: sandbox.JobResult{Status: sandbox.StatusPass}}
	agent, err := NewAgent(runner, AgentConfig{ID: "healthy", HubURL: wsURL, Capacity: 1})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx) //nolint:errcheck

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	result, err := future.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Status != sandbox.StatusPass {
		t.Errorf("status = %s, want PASS from the healthy agent", result.Status)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	job := sandbox.Job{
		ID:            "job-1",
		Image:         "img",
		SolutionFiles: map[string][]byte{"main.py": []byte("print('hi')")},
		TestCaseFiles: map[string][]byte{"test.py": []byte("assert True")},
	}
	got, err := toPayload(job).toJob()
	if err != nil {
		t.Fatalf("toJob() error = %v", err)
	}
	if got.ID != job.ID || got.Image != job.Image {
		t.Errorf("identity fields lost: %+v", got)
	}
	if string(got.SolutionFiles["main.py"]) != "print('hi')" {
		t.Errorf("solution content lost: %q", got.SolutionFiles["main.py"])
	}
	if string(got.TestCaseFiles["test.py"]) != "assert True" {
		t.Errorf("test case content lost: %q", got.TestCaseFiles["test.py"])
	}
}
