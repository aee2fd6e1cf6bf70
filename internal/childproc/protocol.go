// Package childproc frames line-delimited JSON commands and responses
// over a browser child process's stdio.
package childproc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// Actions understood by the browser child.
const (
	ActionGetUserInfo   = "get_user_info"
	ActionGetUserVideos = "get_user_videos"
)

// Command is one request line to the child.
type Command struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	TikTokID string `json:"tiktok_id,omitempty"`
}

// Response is one reply line from the child.
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the child answered with status "success".
func (r Response) OK() bool {
	return r.Status == "success"
}

// maxLineBytes bounds a single response line. Video listings for large
// accounts run to megabytes.
const maxLineBytes = 32 << 20

// conn is the half-duplex codec over a pair of pipes. One request line
// out, one response line back; requests are strictly sequential.
type conn struct {
	mu sync.Mutex // serializes Send

	stdin    io.Writer
	respCh   chan Response
	closed   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

// newConn starts the stdout read loop and returns the codec.
// respCh has capacity 1 so a response arriving after its request timed
// out parks in the buffer instead of parking the read loop.
func newConn(stdin io.Writer, stdout io.Reader) *conn {
	c := &conn{
		stdin:  stdin,
		respCh: make(chan Response, 1),
		closed: make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// shutdown releases a read loop parked on a response delivery nobody
// will collect. Idempotent.
func (c *conn) shutdown() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// readLoop scans stdout for JSON lines. Non-JSON lines are logged and
// skipped; the loop keeps reading until a valid line shows up or the
// pipe closes.
func (c *conn) readLoop(stdout io.Reader) {
	defer close(c.closed)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			log.Printf("[childproc] non-JSON line from child: %s", truncateForLog(line))
			continue
		}
		select {
		case c.respCh <- resp:
		case <-c.quit:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[childproc] read child stdout: %v", err)
	}
}

// send writes one command line and waits for one response line.
func (c *conn) send(cmd Command, timeout time.Duration) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop a response left behind by an earlier request that timed out.
	select {
	case <-c.respCh:
	default:
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return Response{}, fmt.Errorf("childproc: encode command: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := c.stdin.Write(payload); err != nil {
		return Response{}, fmt.Errorf("%w: write: %v", ErrChildDead, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-c.respCh:
		return resp, nil
	case <-c.closed:
		return Response{}, ErrChannelClosed
	case <-timer.C:
		return Response{}, ErrTimeout
	}
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
