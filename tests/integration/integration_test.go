//go:build integration
// +build integration

package integration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

const statusLineOK = "HTTP/1.1 200 OK\r\n\r\n"

func buildBinary(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	binPath := filepath.Join(tmp, "okserver")

	repoRoot := filepath.Clean(filepath.Join("..", ".."))
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/okserver")
	cmd.Dir = repoRoot
	cmd.Env = os.Environ()
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(out))
	}
	return binPath
}

type serverInstance struct {
	cmd    *exec.Cmd
	port   string
	client *RawClient
	out    *bytes.Buffer
	err    *bytes.Buffer
	done   chan error
}

func getFreePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	defer l.Close()
	return fmt.Sprintf("%d", l.Addr().(*net.TCPAddr).Port)
}

func startProcess(t *testing.T, bin string, env map[string]string, args []string, workDir string) *serverInstance {
	t.Helper()

	if env == nil {
		env = map[string]string{}
	}

	// An empty LISTEN_PORT is treated as unset, leaving the config file in charge.
	listenPort, ok := env["LISTEN_PORT"]
	if !ok {
		listenPort = getFreePort(t)
		env["LISTEN_PORT"] = listenPort
	}

	cmd := exec.Command(bin)
	cmd.Args = append(cmd.Args, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf
	if workDir == "" {
		workDir = t.TempDir()
	}
	cmd.Dir = workDir

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	return &serverInstance{
		cmd:    cmd,
		port:   listenPort,
		client: NewRawClient(listenPort),
		out:    stdoutBuf,
		err:    stderrBuf,
		done:   done,
	}
}

func startServer(t *testing.T, bin string, env map[string]string, args []string, workDir string) *serverInstance {
	t.Helper()

	s := startProcess(t, bin, env, args, workDir)
	if err := s.client.WaitReady(30, 100*time.Millisecond); err != nil {
		s.kill()
		t.Fatalf("server did not become ready: %v\nstdout:\n%s\nstderr:\n%s", err, s.out.String(), s.err.String())
	}
	return s
}

// wait returns the exit error of the process, killing it after timeout.
func (s *serverInstance) wait(timeout time.Duration) (bool, error) {
	select {
	case err := <-s.done:
		return true, err
	case <-time.After(timeout):
		s.kill()
		return false, nil
	}
}

func (s *serverInstance) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		<-s.done
	}
}

func (s *serverInstance) interrupt(t *testing.T) {
	t.Helper()
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("send SIGINT: %v", err)
	}
	exited, err := s.wait(5 * time.Second)
	if !exited {
		t.Fatalf("server did not exit after SIGINT\nstdout:\n%s\nstderr:\n%s", s.out.String(), s.err.String())
	}
	if err != nil {
		t.Fatalf("expected clean exit after SIGINT, got %v\nstderr:\n%s", err, s.err.String())
	}
}

func TestRespondsOKToAnyRequest(t *testing.T) {
	bin := buildBinary(t)

	s := startServer(t, bin, nil, nil, "")
	defer s.kill()

	payloads := []string{
		"GET / HTTP/1.1\r\nHost: localhost:4221\r\n\r\n",
		"GET /echo/abc HTTP/1.1\r\nHost: localhost:4221\r\n\r\n",
		"POST /files/readme HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello",
		"NOT-HTTP\r\n",
		"GET / HTTP/1.1",
		"",
	}

	for _, payload := range payloads {
		resp, err := s.client.Send(payload)
		if err != nil {
			t.Fatalf("send %q: %v", payload, err)
		}
		if resp != statusLineOK {
			t.Errorf("payload %q: expected %q, got %q", payload, statusLineOK, resp)
		}
	}
}

func TestHTTPClientSeesStatusOK(t *testing.T) {
	bin := buildBinary(t)

	s := startServer(t, bin, nil, nil, "")
	defer s.kill()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/user-agent", s.port))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("expected empty body, got %q", body)
	}
}

func TestInterruptPrintsFarewell(t *testing.T) {
	bin := buildBinary(t)

	s := startServer(t, bin, nil, nil, "")
	if _, err := s.client.Send("GET / HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatalf("send: %v", err)
	}

	s.interrupt(t)

	lines := strings.Split(strings.TrimSpace(s.out.String()), "\n")
	if last := lines[len(lines)-1]; last != "Goodbye!" {
		t.Errorf("expected farewell as last stdout line, got %q\nstdout:\n%s", last, s.out.String())
	}

	if !strings.Contains(s.err.String(), "listener closed") {
		t.Errorf("expected shutdown to be logged, stderr:\n%s", s.err.String())
	}
}

func TestBindFailureIsFatal(t *testing.T) {
	bin := buildBinary(t)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()
	port := fmt.Sprintf("%d", occupied.Addr().(*net.TCPAddr).Port)

	s := startProcess(t, bin, map[string]string{"LISTEN_PORT": port}, nil, "")
	exited, err := s.wait(5 * time.Second)
	if !exited {
		t.Fatal("server should exit when the port is taken")
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit, got %v", err)
	}

	if !strings.Contains(s.err.String(), "failed to bind") {
		t.Errorf("expected bind error on stderr, got:\n%s", s.err.String())
	}

	if strings.Contains(s.out.String(), "Goodbye!") {
		t.Error("farewell must not be printed after a bind failure")
	}
}

func TestFlagOverridesEnvAndConfigForListenPort(t *testing.T) {
	bin := buildBinary(t)

	configPort := getFreePort(t)
	envPort := getFreePort(t)
	flagPort := getFreePort(t)

	configDir := t.TempDir()
	configContent := fmt.Sprintf("listenPort: %s\n", configPort)
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configContent), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	tests := []struct {
		name         string
		env          map[string]string
		args         []string
		expectedPort string
	}{
		{
			name:         "config file",
			env:          map[string]string{"LISTEN_PORT": ""},
			expectedPort: configPort,
		},
		{
			name:         "env overrides config",
			env:          map[string]string{"LISTEN_PORT": envPort},
			expectedPort: envPort,
		},
		{
			name:         "flag overrides env",
			env:          map[string]string{"LISTEN_PORT": envPort},
			args:         []string{"--listen-port", flagPort},
			expectedPort: flagPort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startProcess(t, bin, tt.env, tt.args, configDir)
			client := NewRawClient(tt.expectedPort)
			if err := client.WaitReady(30, 100*time.Millisecond); err != nil {
				s.kill()
				t.Fatalf("server not listening on %s: %v", tt.expectedPort, err)
			}

			resp, err := client.Send("GET / HTTP/1.1\r\n\r\n")
			if err != nil || resp != statusLineOK {
				t.Errorf("expected %q on port %s, got %q (%v)", statusLineOK, tt.expectedPort, resp, err)
			}

			s.interrupt(t)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	bin := buildBinary(t)

	metricsPort := getFreePort(t)
	env := map[string]string{
		"METRICS_ENABLED": "true",
		"METRICS_LISTEN":  "127.0.0.1:" + metricsPort,
	}

	s := startServer(t, bin, env, nil, "")
	defer s.kill()

	if _, err := s.client.Send("GET / HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatalf("send: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/metrics", metricsPort))
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"okserver_connections_accepted_total", "okserver_responses_total", "okserver_build_info"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--version").Output()
	if err != nil {
		t.Fatalf("run --version: %v", err)
	}

	if !strings.HasPrefix(string(out), "okserver ") {
		t.Errorf("expected version output, got %q", out)
	}
}

func TestSIGTERMAlsoStops(t *testing.T) {
	bin := buildBinary(t)

	s := startServer(t, bin, nil, nil, "")
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}

	exited, err := s.wait(5 * time.Second)
	if !exited {
		t.Fatal("server did not exit after SIGTERM")
	}
	if err != nil {
		t.Errorf("expected clean exit, got %v", err)
	}
}

func TestSecondInterruptForcesExit(t *testing.T) {
	bin := buildBinary(t)

	env := map[string]string{
		"READ_TIMEOUT":     "60",
		"SHUTDOWN_TIMEOUT": "60",
	}
	s := startServer(t, bin, env, nil, "")

	// an idle connection keeps the graceful shutdown waiting
	conn, err := net.Dial("tcp", s.client.Addr)
	if err != nil {
		s.kill()
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("send SIGINT: %v", err)
	}

	select {
	case err := <-s.done:
		t.Fatalf("server exited before the idle connection was released: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("send second SIGINT: %v", err)
	}

	exited, err := s.wait(3 * time.Second)
	if !exited {
		t.Fatal("second SIGINT did not stop the server")
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected the process to be killed by SIGINT, got %v", err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signal() != syscall.SIGINT {
		t.Errorf("expected termination by SIGINT, got %v", status)
	}
}
