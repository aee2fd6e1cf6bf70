package childproc

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"syscall"
	"time"
)

// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
const stopGrace = 10 * time.Second

// LaunchScript builds the bash line that runs the child entry command
// with its HTTP traffic pointed at the tunnel forwarder.
func LaunchScript(proxyURL, entry string) string {
	return fmt.Sprintf("export http_proxy=%s; export https_proxy=%s; %s", proxyURL, proxyURL, entry)
}

// LaunchCommand builds the full child invocation: enter the network
// namespace, export the proxy environment, run the entry command.
func LaunchCommand(namespace, proxyURL, entry string) *exec.Cmd {
	return exec.Command("ip", "netns", "exec", namespace, "bash", "-c", LaunchScript(proxyURL, entry))
}

// Proc is a running browser child with its stdio codec attached.
type Proc struct {
	cmd  *exec.Cmd
	conn *conn

	done    chan struct{} // closed once Wait returns
	waitErr error
}

// Start launches cmd with stdin/stdout pipes wired to the line codec
// and stderr drained to the log.
func Start(cmd *exec.Cmd) (*Proc, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("childproc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("childproc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("childproc: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("childproc: start child: %w", err)
	}

	p := &Proc{
		cmd:  cmd,
		conn: newConn(stdin, stdout),
		done: make(chan struct{}),
	}
	go p.drainStderr(stderr)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	log.Printf("[childproc] started child pid=%d", cmd.Process.Pid)
	return p, nil
}

// Alive reports whether the child process is still running.
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// PID returns the child's process ID.
func (p *Proc) PID() int {
	return p.cmd.Process.Pid
}

// Send writes one command and waits for the matching response line.
// Calls are serialized; timeout bounds the wait for the response.
func (p *Proc) Send(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	if !p.Alive() {
		return Response{}, ErrChildDead
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return p.conn.send(cmd, timeout)
}

// Stop shuts the child down: close stdin, SIGTERM, then SIGKILL after
// a grace period. Safe to call on an already-dead child.
func (p *Proc) Stop() {
	p.conn.shutdown()
	if closer, ok := p.conn.stdin.(io.Closer); ok {
		closer.Close()
	}
	if !p.Alive() {
		return
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("[childproc] signal pid=%d: %v", p.PID(), err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(stopGrace):
	}

	log.Printf("[childproc] child pid=%d ignored SIGTERM, killing", p.PID())
	if err := p.cmd.Process.Kill(); err != nil {
		log.Printf("[childproc] kill pid=%d: %v", p.PID(), err)
	}
	<-p.done
}

// WaitErr returns the exit error once the child has terminated.
func (p *Proc) WaitErr() error {
	<-p.done
	return p.waitErr
}

func (p *Proc) drainStderr(r io.Reader) {
	buf := make([]byte, 4<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			log.Printf("[childproc] pid=%d stderr: %s", p.PID(), truncateForLog(string(buf[:n])))
		}
		if err != nil {
			return
		}
	}
}
