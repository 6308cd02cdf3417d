package supervisor

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
)

// terminateSignal is the graceful stop signal sent before escalating to
// kill.
var terminateSignal = syscall.SIGTERM

const (
	portBase  = 30000
	portRange = 20000

	stopGrace = 3 * time.Second
)

// pickPort derives a deterministic loopback port from the namespace and
// falls back to any free port when it is occupied.
func pickPort(namespace string) (int, error) {
	h := fnv.New32a()
	h.Write([]byte(namespace))
	port := portBase + int(h.Sum32()%portRange)

	if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port)); err == nil {
		ln.Close()
		return port, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("no free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// buildEnv constructs the subprocess environment: host env, record
// overlay, then the FASTMCP_* binding and any venv path prefix.
func buildEnv(server *ExternalServer, port int) []string {
	env := os.Environ()
	for k, v := range server.EnvVars {
		env = append(env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}
	env = append(env,
		"FASTMCP_HOST=127.0.0.1",
		fmt.Sprintf("FASTMCP_PORT=%d", port),
		"FASTMCP_STREAMABLE_HTTP_PATH=/mcp",
	)
	if server.ConfigYAML != "" {
		env = append(env, fmt.Sprintf("MCP_SERVER_CONFIG=%s", server.ConfigYAML))
	}
	if server.VenvPath != "" {
		site := filepath.Join(server.VenvPath, "lib")
		env = append(env, fmt.Sprintf("PYTHONPATH=%s", site))
	}
	return env
}

// managedProc is a subprocess we spawned ourselves. The reaper goroutine
// started in spawn is the only caller of cmd.Wait; done closes once the
// process is reaped.
type managedProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// spawn starts the recipe with stdout/stderr tee'd to the namespace log.
func spawn(server *ExternalServer, port int, logsDir string) (*managedProc, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logFile, err := os.OpenFile(
		filepath.Join(logsDir, server.Namespace+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(server.StartupCommand, server.CommandArgs...)
	cmd.Env = buildEnv(server, port)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("spawn %s: %w", server.StartupCommand, err)
	}

	proc := &managedProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		logFile.Close()
		close(proc.done)
	}()
	return proc, nil
}

// stop signals the process and waits on the reaper, escalating to kill
// after the grace period.
func (p *managedProc) stop() {
	if p.cmd.Process == nil {
		return
	}
	p.cmd.Process.Signal(terminateSignal)
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		p.cmd.Process.Kill()
		<-p.done
	}
}

// pidAlive reports whether the PID still refers to a live process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// terminatePID sends a graceful terminate, waits up to stopGrace, then
// kills. Used for processes that are not our children (survivors of a
// gateway restart).
func terminatePID(pid int) {
	proc, err := gops.NewProcess(int32(pid))
	if err != nil {
		return
	}
	_ = proc.Terminate()

	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if running, err := proc.IsRunning(); err != nil || !running {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proc.Kill()
}

// confinedPath reports whether target is a descendant of base. Deletion
// helpers refuse anything outside their base directory.
func confinedPath(base, target string) bool {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absBase, absTarget)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// removeConfined deletes target only when it sits under base.
func removeConfined(base, target string) error {
	if target == "" {
		return nil
	}
	if !confinedPath(base, target) {
		return fmt.Errorf("refusing to delete %q: outside %q", target, base)
	}
	return os.RemoveAll(target)
}
