// Package client drives a worker process from the caller side: it spawns the
// binary, waits for the ready line, then exchanges one request at a time.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/receipt-forensics/internal/protocol"
)

var (
	ErrTimeout = errors.New("worker did not answer in time")
	ErrClosed  = errors.New("worker is closed")
)

// responses can carry large metadata maps
const maxReplyBytes = 16 << 20

// FatalError is a startup failure reported by the worker itself.
type FatalError struct {
	Message string
	Trace   string
}

func (e *FatalError) Error() string {
	return "worker failed to start: " + e.Message
}

// RequestError is an error response for one request.
type RequestError struct {
	ID      string
	Message string
	Trace   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %s", e.ID, e.Message)
}

type Options struct {
	Command string
	Args    []string
	// Env is appended to the current environment.
	Env []string

	ReadyTimeout   time.Duration
	RequestTimeout time.Duration

	// Stderr receives the worker's log output. Defaults to os.Stderr.
	Stderr io.Writer
	Log    *logrus.Entry
}

type result struct {
	reply *protocol.Reply
	err   error
}

// Client owns one worker process. Classify calls are serialized.
type Client struct {
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	replies        chan result
	requestTimeout time.Duration
	log            *logrus.Entry

	mu                 sync.Mutex
	closed             bool
	forensicsAvailable bool
}

// Start spawns the worker and blocks until it reports ready, reports a fatal
// startup error, or ReadyTimeout passes.
func Start(ctx context.Context, opts Options) (*Client, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 5 * time.Minute
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	c := &Client{
		cmd:            cmd,
		stdin:          stdin,
		replies:        make(chan result, 1),
		requestTimeout: opts.RequestTimeout,
		log:            log.WithField("worker_pid", cmd.Process.Pid),
	}
	go c.readLoop(stdout)

	reply, err := c.await(ctx, opts.ReadyTimeout)
	if err != nil {
		c.kill()
		return nil, fmt.Errorf("waiting for worker readiness: %w", err)
	}
	if reply.IsFatal() {
		_ = c.cmd.Wait()
		c.markClosed()
		return nil, &FatalError{Message: reply.Message, Trace: reply.Trace}
	}
	if !reply.IsReady() {
		c.kill()
		return nil, fmt.Errorf("unexpected first line from worker: status %q", reply.Status)
	}

	c.forensicsAvailable = reply.ForensicsAvailable
	c.log.WithField("forensics_available", reply.ForensicsAvailable).Info("worker ready")
	return c, nil
}

func (c *Client) ForensicsAvailable() bool {
	return c.forensicsAvailable
}

// Classify sends one request and waits for its response. An error response
// is returned as a *RequestError together with the decoded reply. After a
// timeout the worker is killed, since a late reply could not be correlated.
func (c *Client) Classify(ctx context.Context, imagePath string) (*protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(protocol.Request{ID: rawID, ImagePath: imagePath})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		c.killLocked()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	reply, err := c.await(ctx, c.requestTimeout)
	if err != nil {
		c.killLocked()
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	if !bytes.Equal(reply.ID, rawID) {
		c.killLocked()
		return nil, fmt.Errorf("request %s: worker answered for id %s", id, string(reply.ID))
	}
	if reply.Failed() {
		return reply, &RequestError{ID: id, Message: *reply.Error, Trace: reply.Trace}
	}
	return reply, nil
}

// Close ends the worker's input and waits for it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.stdin.Close(); err != nil {
		c.log.WithError(err).Warn("failed to close worker stdin")
	}
	return c.cmd.Wait()
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.replies)
	reader := protocol.NewReader(stdout, maxReplyBytes)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.replies <- result{err: fmt.Errorf("failed to read worker output: %w", err)}
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var reply protocol.Reply
		if err := json.Unmarshal(line, &reply); err != nil {
			c.replies <- result{err: fmt.Errorf("undecodable worker output: %w", err)}
			return
		}
		c.replies <- result{reply: &reply}
	}
}

func (c *Client) await(ctx context.Context, timeout time.Duration) (*protocol.Reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-c.replies:
		if !ok {
			return nil, fmt.Errorf("worker exited: %w", io.ErrUnexpectedEOF)
		}
		return res.reply, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Client) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked()
}

func (c *Client) killLocked() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
}
