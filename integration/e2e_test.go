//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type managedProcess struct {
	name   string
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}

	mu      sync.RWMutex
	exited  bool
	exitErr error
}

type todoView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

var (
	buildOnce sync.Once
	buildErr  error
	binPath   string
)

func TestTodoLifecycleOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbPath := filepath.Join(t.TempDir(), "events.db")
	baseURL, proc := startServer(t, dbPath)

	id := createTodo(t, baseURL, "integration todo")
	view := getTodo(t, baseURL, id, http.StatusOK)
	if view.Title != "integration todo" || view.Completed {
		t.Fatalf("unexpected todo after create: %+v", view)
	}

	if status, body := request(t, http.MethodPut, baseURL+"/api/todos/"+id+"/complete", nil); status != http.StatusOK {
		t.Fatalf("complete failed status=%d body=%s\n%s", status, body, proc.debugString())
	}
	if view := getTodo(t, baseURL, id, http.StatusOK); !view.Completed {
		t.Fatalf("expected completed todo, got %+v", view)
	}

	status, body := request(t, http.MethodPut, baseURL+"/api/todos/"+id+"/complete", nil)
	if status != http.StatusConflict || !strings.Contains(body, "INVALID_TRANSITION") {
		t.Fatalf("expected 409 INVALID_TRANSITION, got status=%d body=%s", status, body)
	}

	if status, body := request(t, http.MethodDelete, baseURL+"/api/todos/"+id, nil); status != http.StatusOK {
		t.Fatalf("delete failed status=%d body=%s", status, body)
	}
	getTodo(t, baseURL, id, http.StatusNotFound)

	status, body = request(t, http.MethodGet, baseURL+"/api/todos/"+id+"/events", nil)
	if status != http.StatusOK || strings.Count(body, `"kind"`) != 3 {
		t.Fatalf("unexpected history status=%d body=%s", status, body)
	}
}

func TestConcurrentCompleteHasOneWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	baseURL, _ := startServer(t, filepath.Join(t.TempDir(), "events.db"))
	id := createTodo(t, baseURL, "contended")

	const writers = 8
	statuses := make(chan int, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := request(t, http.MethodPut, baseURL+"/api/todos/"+id+"/complete", nil)
			statuses <- status
		}()
	}
	wg.Wait()
	close(statuses)

	ok := 0
	for status := range statuses {
		switch status {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
		default:
			t.Fatalf("unexpected status %d", status)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful complete, got %d", ok)
	}

	status, body := request(t, http.MethodGet, baseURL+"/api/todos/"+id+"/events", nil)
	if status != http.StatusOK || strings.Count(body, "todo.completed") != 1 {
		t.Fatalf("expected a single completed event, got status=%d body=%s", status, body)
	}
}

func TestReadModelRebuiltAfterRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbPath := filepath.Join(t.TempDir(), "events.db")

	baseURL, proc := startServer(t, dbPath)
	id := createTodo(t, baseURL, "survives restart")
	if status, _ := request(t, http.MethodPut, baseURL+"/api/todos/"+id+"/complete", nil); status != http.StatusOK {
		t.Fatalf("complete failed with status %d", status)
	}
	stopProcess(proc)

	baseURL, _ = startServer(t, dbPath)
	view := getTodo(t, baseURL, id, http.StatusOK)
	if view.Title != "survives restart" || !view.Completed {
		t.Fatalf("unexpected todo after restart: %+v", view)
	}
}

// startServer runs todo-server on a free port with a sqlite event log and an
// in-memory read model rebuilt at boot.
func startServer(t *testing.T, dbPath string) (string, *managedProcess) {
	t.Helper()
	bin := buildServer(t)
	addr := freeAddr(t)

	proc := startProcess(t, "todo-server", []string{
		"HTTP_ADDR=" + addr,
		"EVENT_LOG_DRIVER=sqlite",
		"SQLITE_PATH=" + dbPath,
		"READ_MODEL_DRIVER=memory",
		"PROJECTION_MODE=async",
		"PROJECTION_REBUILD_ON_START=true",
		"CONSISTENCY_WAIT=2s",
		"LOG_LEVEL=debug",
	}, bin)
	t.Cleanup(func() { stopProcess(proc) })

	baseURL := "http://" + addr
	waitForStatus(t, baseURL+"/readyz", http.StatusOK, 30*time.Second, proc)
	return baseURL, proc
}

func buildServer(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "todo-server-bin")
		if err != nil {
			buildErr = err
			return
		}
		binPath = filepath.Join(dir, "todo-server")
		cmd := exec.Command("go", "build", "-o", binPath, "./cmd/todo-server")
		cmd.Dir = repoRoot(t)
		if output, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("go build failed: %v\n%s", err, output)
		}
	})
	if buildErr != nil {
		t.Fatalf("build todo-server: %v", buildErr)
	}
	return binPath
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd failed: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate repository root from %s", dir)
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func startProcess(t *testing.T, name string, env []string, command string, args ...string) *managedProcess {
	t.Helper()
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)
	p := &managedProcess{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start %s: %v", name, err)
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

func stopProcess(p *managedProcess) {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}

	select {
	case <-p.done:
		return
	default:
	}

	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
		return
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

func waitForStatus(t *testing.T, url string, want int, timeout time.Duration, p *managedProcess) {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		requireAlive(t, p)
		resp, err := client.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == want {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s\n%s", url, p.debugString())
}

func request(t *testing.T, method, url string, payload any) (int, string) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload failed: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Errorf("%s %s failed: %v", method, url, err)
		return 0, ""
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func createTodo(t *testing.T, baseURL, title string) string {
	t.Helper()
	status, body := request(t, http.MethodPost, baseURL+"/api/todos", map[string]string{"title": title})
	if status != http.StatusCreated {
		t.Fatalf("create failed status=%d body=%s", status, body)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil || resp.ID == "" {
		t.Fatalf("invalid create response %q: %v", body, err)
	}
	return resp.ID
}

func getTodo(t *testing.T, baseURL, id string, wantStatus int) todoView {
	t.Helper()
	status, body := request(t, http.MethodGet, baseURL+"/api/todos/"+id, nil)
	if status != wantStatus {
		t.Fatalf("get %s: expected %d, got %d body=%s", id, wantStatus, status, body)
	}
	var view todoView
	if status == http.StatusOK {
		if err := json.Unmarshal([]byte(body), &view); err != nil {
			t.Fatalf("invalid todo JSON %q: %v", body, err)
		}
	}
	return view
}

func (p *managedProcess) debugString() string {
	return fmt.Sprintf("[%s]\nstdout:\n%s\nstderr:\n%s\n", p.name, p.stdout.String(), p.stderr.String())
}

func (p *managedProcess) state() (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exited, p.exitErr
}

func requireAlive(t *testing.T, p *managedProcess) {
	t.Helper()
	exited, err := p.state()
	if exited {
		if err == nil {
			t.Fatalf("%s exited unexpectedly.\n%s", p.name, p.debugString())
		}
		t.Fatalf("%s failed: %v\n%s", p.name, err, p.debugString())
	}
}
