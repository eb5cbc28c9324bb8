package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"codetier/internal/version"
)

var dummyFiles = map[string][]byte{"main.py": []byte("print('hi')")}

// shellRunner builds a runner whose "container" is a throwaway shell script,
// so verdict parsing and kill handling are testable without docker.
func shellRunner(t *testing.T, script string, wallTimeout time.Duration) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	r, err := NewRunner(Config{
		Command:     "/bin/sh " + path,
		CPUSeconds:  1,
		WallTimeout: wallTimeout,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

func TestParseResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
		want Status
		ok   bool
	}{
		{"pass", `{"status":"PASS","tests_total":4,"tests_passed":4}`, StatusPass, true},
		{"fail", `{"status":"FAIL","tests_total":4,"tests_passed":2,"failed_names":["t3","t4"]}`, StatusFail, true},
		{"error", `{"status":"ERROR","message":"boom"}`, StatusError, true},
		{"unknown status", `{"status":"MAYBE"}`, "", false},
		{"missing status", `{"tests_total":4}`, "", false},
		{"not json", `collecting tests...`, "", false},
		{"empty", ``, "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result, ok := parseResult([]byte(tt.line))
			if ok != tt.ok {
				t.Fatalf("parseResult() ok = %v, want %v", ok, tt.ok)
			}
			if ok && result.Status != tt.want {
				t.Errorf("parseResult() status = %s, want %s", result.Status, tt.want)
			}
		})
	}
}

func TestJobResultScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		result JobResult
		want   float64
	}{
		{"pass", JobResult{Status: StatusPass}, 1.0},
		{"half", JobResult{Status: StatusFail, TestsTotal: 4, TestsPassed: 2}, 0.5},
		{"fail zero total", JobResult{Status: StatusFail}, 0},
		{"error", JobResult{Status: StatusError}, 0},
		{"solution empty", JobResult{Status: StatusSolutionEmpty}, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.result.Score(); got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScorable(t *testing.T) {
	t.Parallel()
	if !(JobResult{Status: StatusPass}).Scorable() || !(JobResult{Status: StatusFail}).Scorable() {
		t.Error("PASS and FAIL must be scorable")
	}
	for _, status := range []Status{StatusError, StatusSolutionEmpty, StatusTestCaseEmpty} {
		if (JobResult{Status: status}).Scorable() {
			t.Errorf("%s must not be scorable", status)
		}
	}
}

func TestScanForResultFirstWins(t *testing.T) {
	t.Parallel()
	stdout := strings.NewReader(strings.Join([]string{
		"collecting tests...",
		`{"status":"FAIL","tests_total":2,"tests_passed":1}`,
		`{"status":"PASS","tests_total":2,"tests_passed":2}`,
	}, "\n"))
	result, ok := scanForResult(stdout)
	if !ok {
		t.Fatal("scanForResult() found no result")
	}
	if result.Status != StatusFail {
		t.Errorf("status = %s, want FAIL from the first parseable line", result.Status)
	}
}

func TestRunEmptyShortCircuits(t *testing.T) {
	t.Parallel()
	r, err := NewRunner(Config{})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	result := r.Run(context.Background(), Job{ID: "j1", Image: "img", TestCaseFiles: dummyFiles})
	if result.Status != StatusSolutionEmpty {
		t.Errorf("status = %s, want SOLUTION_EMPTY", result.Status)
	}

	result = r.Run(context.Background(), Job{ID: "j2", Image: "img", SolutionFiles: dummyFiles})
	if result.Status != StatusTestCaseEmpty {
		t.Errorf("status = %s, want TESTCASE_EMPTY", result.Status)
	}
}

func TestRunParsesVerdict(t *testing.T) {
	t.Parallel()
	r := shellRunner(t, `echo starting
echo '{"status":"PASS","tests_total":3,"tests_passed":3}'
echo trailing noise
`, 5*time.Second)

	result := r.Run(context.Background(), Job{ID: "j1", Image: "test", SolutionFiles: dummyFiles, TestCaseFiles: dummyFiles})
	if result.Status != StatusPass {
		t.Fatalf("status = %s (%s), want PASS", result.Status, result.Message)
	}
	if result.TestsTotal != 3 || result.TestsPassed != 3 {
		t.Errorf("counts = %d/%d, want 3/3", result.TestsPassed, result.TestsTotal)
	}
}

func TestRunExitBeforeResult(t *testing.T) {
	t.Parallel()
	r := shellRunner(t, "echo no verdict here\nexit 3\n", 5*time.Second)

	result := r.Run(context.Background(), Job{ID: "j1", Image: "test", SolutionFiles: dummyFiles, TestCaseFiles: dummyFiles})
	if result.Status != StatusError {
		t.Fatalf("status = %s, want ERROR", result.Status)
	}
	if !strings.Contains(result.Message, "exited before reporting a result") {
		t.Errorf("message = %q, want exit diagnostic", result.Message)
	}
}

func TestRunWallTimeout(t *testing.T) {
	t.Parallel()
	r := shellRunner(t, "sleep 30\n", 200*time.Millisecond)

	start := time.Now()
	result := r.Run(context.Background(), Job{ID: "j1", Image: "test", SolutionFiles: dummyFiles, TestCaseFiles: dummyFiles})
	if result.Status != StatusError {
		t.Fatalf("status = %s, want ERROR", result.Status)
	}
	if !strings.Contains(result.Message, "wall timeout") {
		t.Errorf("message = %q, want wall timeout diagnostic", result.Message)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %s, the process group was not killed", elapsed)
	}
}

func TestEncodeFiles(t *testing.T) {
	t.Parallel()
	payload, err := encodeFiles(map[string][]byte{
		"main.py":  []byte("print('hi')"),
		"util.py":  []byte("pass"),
		"empty.py": nil,
	})
	if err != nil {
		t.Fatalf("encodeFiles() error = %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	content, err := base64.StdEncoding.DecodeString(decoded["main.py"])
	if err != nil {
		t.Fatalf("payload entry is not base64: %v", err)
	}
	if string(content) != "print('hi')" {
		t.Errorf("decoded = %q, want %q", content, "print('hi')")
	}
	if len(decoded) != 3 {
		t.Errorf("entries = %d, want 3", len(decoded))
	}
}

func TestLoadFiles(t *testing.T) {
	t.Parallel()
	store := version.NewStore(version.Config{})
	bucket := version.BucketPath("course-1", "a1", "author-1", "solution")
	_, err := store.Commit(context.Background(), bucket, []version.FileChange{
		{Path: "main.py", Content: []byte("print('hi')")},
		{Path: "util.py", Content: []byte("pass")},
	}, version.Identity{AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	files, err := LoadFiles(context.Background(), store, bucket, "")
	if err != nil {
		t.Fatalf("LoadFiles() error = %v", err)
	}
	if len(files) != 2 || string(files["main.py"]) != "print('hi')" {
		t.Errorf("LoadFiles() = %v, want 2 files with content", files)
	}
}
