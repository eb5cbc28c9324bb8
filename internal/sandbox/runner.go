package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sys/unix"
)

const (
	envSolutionFiles = "RUNNER_SOLUTION_FILES"
	envTestCaseFiles = "RUNNER_TESTCASE_FILES"

	defaultCommand        = "docker run --rm --network none --ulimit cpu={cpu} --ulimit nproc=256 -e " + envSolutionFiles + " -e " + envTestCaseFiles + " {image}"
	defaultCPUSeconds     = 10
	defaultMaxStderrBytes = 4 * 1024
	maxResultLineBytes    = 1024 * 1024
)

// Config holds runner settings.
type Config struct {
	// Command is the launch template. {cpu} and {image} are substituted
	// before shell-style splitting.
	Command string `yaml:"command"`

	// CPUSeconds is the per-job CPU ulimit inside the container.
	CPUSeconds int `yaml:"cpuSeconds"`

	// WallTimeout force-kills a job whose wall clock outruns its CPU
	// budget, such as one blocked on I/O. Defaults to 3x CPUSeconds.
	WallTimeout time.Duration `yaml:"wallTimeout"`

	MaxStderrBytes int `yaml:"maxStderrBytes"`
}

// Runner executes jobs in disposable containers. The solution and test case
// file sets travel as environment variables; nothing is mounted from the
// host, and the container gets no network.
type Runner struct {
	command        string
	cpuSeconds     int
	wallTimeout    time.Duration
	maxStderrBytes int
}

// NewRunner creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Command == "" {
		cfg.Command = defaultCommand
	}
	if cfg.CPUSeconds <= 0 {
		cfg.CPUSeconds = defaultCPUSeconds
	}
	if cfg.WallTimeout <= 0 {
		cfg.WallTimeout = time.Duration(cfg.CPUSeconds) * 3 * time.Second
	}
	if cfg.MaxStderrBytes <= 0 {
		cfg.MaxStderrBytes = defaultMaxStderrBytes
	}
	if _, err := shlex.Split(cfg.Command); err != nil {
		return nil, fmt.Errorf("invalid sandbox command %q: %w", cfg.Command, err)
	}
	return &Runner{
		command:        cfg.Command,
		cpuSeconds:     cfg.CPUSeconds,
		wallTimeout:    cfg.WallTimeout,
		maxStderrBytes: cfg.MaxStderrBytes,
	}, nil
}

// Run executes one job to completion and always produces a result: failures
// to launch, timeouts and unparseable output all collapse into ERROR. The
// first line of stdout that decodes as a result wins; later output is
// drained and discarded.
func (r *Runner) Run(ctx context.Context, job Job) JobResult {
	if len(job.SolutionFiles) == 0 {
		return JobResult{Status: StatusSolutionEmpty}
	}
	if len(job.TestCaseFiles) == 0 {
		return JobResult{Status: StatusTestCaseEmpty}
	}
	if job.Image == "" {
		return errorResult("no runner image configured")
	}

	solutionEnv, err := encodeFiles(job.SolutionFiles)
	if err != nil {
		return errorResult("encode solution files: " + err.Error())
	}
	testCaseEnv, err := encodeFiles(job.TestCaseFiles)
	if err != nil {
		return errorResult("encode test case files: " + err.Error())
	}

	argv, err := r.argv(job.Image)
	if err != nil {
		return errorResult("build command: " + err.Error())
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		envSolutionFiles+"="+solutionEnv,
		envTestCaseFiles+"="+testCaseEnv,
	)
	// Own process group, so a kill reaches the whole container client tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errorResult("open stdout: " + err.Error())
	}
	stderr := &boundedBuffer{limit: r.maxStderrBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return errorResult("launch: " + err.Error())
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(r.wallTimeout, func() {
		timedOut.Store(true)
		killGroup(cmd)
	})
	defer timer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			killGroup(cmd)
		case <-watchDone:
		}
	}()

	result, found := scanForResult(stdout)
	waitErr := cmd.Wait()

	if found {
		return result
	}
	switch {
	case timedOut.Load():
		return errorResult(fmt.Sprintf("killed after %s wall timeout", r.wallTimeout))
	case ctx.Err() != nil:
		return errorResult("canceled: " + ctx.Err().Error())
	case waitErr != nil:
		return errorResult(fmt.Sprintf("exited before reporting a result: %v; stderr: %s", waitErr, stderr.String()))
	default:
		return errorResult("exited before reporting a result; stderr: " + stderr.String())
	}
}

func (r *Runner) argv(image string) ([]string, error) {
	rendered := strings.NewReplacer(
		"{cpu}", strconv.Itoa(r.cpuSeconds),
		"{image}", image,
	).Replace(r.command)
	argv, err := shlex.Split(rendered)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

// scanForResult reads stdout line by line until a line decodes as a result,
// then stops interpreting and drains the rest so the child never blocks on
// a full pipe.
func scanForResult(stdout io.Reader) (JobResult, bool) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxResultLineBytes)
	for scanner.Scan() {
		if result, ok := parseResult(scanner.Bytes()); ok {
			go io.Copy(io.Discard, stdout) //nolint:errcheck
			return result, true
		}
	}
	return JobResult{}, false
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		cmd.Process.Kill() //nolint:errcheck
	}
}

// boundedBuffer keeps the first limit bytes written and drops the rest.
type boundedBuffer struct {
	limit int
	buf   []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return strings.TrimSpace(string(b.buf))
}
