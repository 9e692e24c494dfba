package llamaserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// process is one running llama-server bound to a single model file.
type process struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	exited  chan struct{}

	mu      sync.Mutex
	waitErr error
	stderr  *tailBuffer
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

// spawn starts llama-server and waits until /health answers 200, the process
// exits, the ready timeout passes or ctx is done.
func (l *Loader) spawn(ctx context.Context, args []string) (*process, error) {
	host := l.cfg.Host
	var port int
	var err error
	if l.cfg.PortStart > 0 && l.cfg.PortEnd >= l.cfg.PortStart {
		port, err = pickPortInRange(host, l.cfg.PortStart, l.cfg.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}
	args = append(args, "--host", host, "--port", strconv.Itoa(port))

	cmd := exec.Command(l.cfg.Bin, args...)
	p := &process{
		cmd:     cmd,
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		exited:  make(chan struct{}),
		stderr:  &tailBuffer{max: 4096},
	}
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	p.pid = cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()
	l.cfg.Log.Info().Str("event", "spawn_start").Int("pid", p.pid).Str("url", p.baseURL).Msg("llama-server started")

	deadline := time.NewTimer(l.cfg.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if l.healthy(ctx, p.baseURL) {
			l.cfg.Log.Info().Str("event", "spawn_ready").Int("pid", p.pid).Str("url", p.baseURL).Msg("llama-server ready")
			return p, nil
		}
		select {
		case <-p.exited:
			p.mu.Lock()
			werr := p.waitErr
			p.mu.Unlock()
			l.cfg.Log.Warn().Str("event", "spawn_exit").Int("pid", p.pid).AnErr("err", werr).Msg("llama-server exited before ready")
			return nil, fmt.Errorf("llama-server exited before ready: %v; stderr tail: %s", werr, strings.TrimSpace(p.stderr.String()))
		case <-deadline.C:
			p.stop(0)
			return nil, fmt.Errorf("llama-server not ready after %s: %s", l.cfg.ReadyTimeout, p.baseURL)
		case <-ctx.Done():
			p.stop(0)
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

func (l *Loader) healthy(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// stop sends SIGTERM and kills the process if it has not exited after grace.
func (p *process) stop(grace time.Duration) {
	if p == nil || p.cmd.Process == nil {
		return
	}
	select {
	case <-p.exited:
		return
	default:
	}
	if grace > 0 {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
			return
		case <-time.After(grace):
		}
	}
	_ = p.cmd.Process.Kill()
	<-p.exited
}
