// Package client provides a Go client for the kdbusd name registry
// daemon. A Client multiplexes one TCP connection: synchronous requests
// are serialized, asynchronous watch events are surfaced on Events.
package client

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RPajak/kdbus/internal/names"
)

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrInvalidName      = errors.New("invalid name")
	ErrTooManyNames     = errors.New("too many names")
	ErrMaxNames         = errors.New("max names reached")
	ErrMaxWaiters       = errors.New("max waiters reached")
	ErrNameExists       = errors.New("name already taken")
	ErrNameNotFound     = errors.New("name not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoConn           = errors.New("no such connection")
	ErrNoSpace          = errors.New("no space in receive pool")
	ErrClosed           = errors.New("client closed")
)

// Acquisition flag masks, mirroring the daemon's wire values.
const (
	FlagReplaceExisting  = uint64(names.FlagReplaceExisting)
	FlagAllowReplacement = uint64(names.FlagAllowReplacement)
	FlagQueue            = uint64(names.FlagQueue)
	FlagInQueue          = uint64(names.FlagInQueue)
)

// List mask bits.
const (
	ListUnique     = uint64(names.ListUnique)
	ListNames      = uint64(names.ListNames)
	ListQueued     = uint64(names.ListQueued)
	ListActivators = uint64(names.ListActivators)
)

// Event is one pushed ownership-change notification.
type Event struct {
	Kind  string
	OldID uint64
	NewID uint64
	Flags uint64
	Name  string
}

// Record is one decoded name-list record.
type Record = names.ListRecord

// Options configure a Client.
type Options struct {
	// AuthToken, when set, is presented before any other request.
	AuthToken string
	// TLS, when set, wraps the connection.
	TLS *tls.Config
	// Timeout bounds each synchronous request. Zero means 30s.
	Timeout time.Duration
	// EventBuffer sizes the Events channel. Zero means 64.
	EventBuffer int
}

type Client struct {
	conn    net.Conn
	timeout time.Duration

	mu   sync.Mutex // serializes request/response pairs
	resp chan string

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a kdbusd at addr and authenticates if configured.
// Call Hello before any registry operation.
func Dial(addr string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var conn net.Conn
	var err error
	if opts.TLS != nil {
		conn, err = tls.Dial("tcp", addr, opts.TLS)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	bufSize := opts.EventBuffer
	if bufSize == 0 {
		bufSize = 64
	}
	c := &Client{
		conn:    conn,
		timeout: timeout,
		resp:    make(chan string, 1),
		events:  make(chan Event, bufSize),
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	if opts.AuthToken != "" {
		status, _, err := c.request("auth", opts.AuthToken, "")
		if err != nil {
			c.Close()
			return nil, err
		}
		if status != "ok" {
			c.Close()
			return nil, ErrAuthFailed
		}
	}
	return c, nil
}

// readLoop splits pushed event lines from request responses.
func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			c.Close()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "event ") {
			if ev, ok := parseEvent(line); ok {
				select {
				case c.events <- ev:
				default:
					// Slow consumer: drop rather than stall responses.
				}
			}
			continue
		}
		select {
		case c.resp <- line:
		case <-c.closed:
			return
		}
	}
}

func parseEvent(line string) (Event, bool) {
	// event <kind> <old> <new> <flags> <name>
	parts := strings.SplitN(line, " ", 6)
	if len(parts) != 6 {
		return Event{}, false
	}
	oldID, err1 := strconv.ParseUint(parts[2], 10, 64)
	newID, err2 := strconv.ParseUint(parts[3], 10, 64)
	flags, err3 := strconv.ParseUint(parts[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Event{}, false
	}
	return Event{
		Kind:  parts[1],
		OldID: oldID,
		NewID: newID,
		Flags: flags,
		Name:  parts[5],
	}, true
}

// request writes one three-line request and waits for the response line.
// It returns the status and remaining fields.
func (c *Client) request(cmd, name, args string) (string, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return "", nil, ErrClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := fmt.Fprintf(c.conn, "%s\n%s\n%s\n", cmd, name, args); err != nil {
		return "", nil, fmt.Errorf("write: %w", err)
	}

	select {
	case line := <-c.resp:
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return "", nil, errors.New("empty response")
		}
		return fields[0], fields[1:], nil
	case <-time.After(c.timeout):
		return "", nil, errors.New("request timeout")
	case <-c.closed:
		return "", nil, ErrClosed
	}
}

func statusErr(status string) error {
	switch status {
	case "error_invalid_name", "error_invalid_pattern":
		return ErrInvalidName
	case "error_too_many_names":
		return ErrTooManyNames
	case "error_max_names":
		return ErrMaxNames
	case "error_max_waiters":
		return ErrMaxWaiters
	case "error_exists":
		return ErrNameExists
	case "error_not_found":
		return ErrNameNotFound
	case "error_permission":
		return ErrPermissionDenied
	case "error_no_conn":
		return ErrNoConn
	case "error_no_space":
		return ErrNoSpace
	case "error_auth":
		return ErrAuthFailed
	default:
		return fmt.Errorf("server error: %s", status)
	}
}

// Hello registers the connection on the bus and returns its id and the
// bus id. activator registers a fallback owner connection.
func (c *Client) Hello(activator bool) (uint64, string, error) {
	args := ""
	if activator {
		args = "activator"
	}
	status, fields, err := c.request("hello", "", args)
	if err != nil {
		return 0, "", err
	}
	if status != "ok" || len(fields) < 2 {
		return 0, "", statusErr(status)
	}
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad conn id: %w", err)
	}
	return id, fields[1], nil
}

// Acquire requests ownership of name. The returned flags are the entry's
// effective flags, or, when FlagInQueue is set, the flags the request was
// queued with. already
// reports an idempotent re-acquire by this connection.
func (c *Client) Acquire(name string, flags uint64) (uint64, bool, error) {
	return c.AcquireFor(name, flags, 0)
}

// AcquireFor acquires on behalf of another connection (privileged).
// target 0 means self.
func (c *Client) AcquireFor(name string, flags uint64, target uint64) (uint64, bool, error) {
	args := strconv.FormatUint(flags, 10)
	if target != 0 {
		args += " " + strconv.FormatUint(target, 10)
	}
	status, fields, err := c.request("a", name, args)
	if err != nil {
		return 0, false, err
	}
	if status != "ok" && status != "already" {
		return 0, false, statusErr(status)
	}
	var out uint64
	if len(fields) > 0 {
		out, _ = strconv.ParseUint(fields[0], 10, 64)
	}
	return out, status == "already", nil
}

// Release gives up ownership of name, or cancels a queued wait.
func (c *Client) Release(name string) error {
	return c.ReleaseFor(name, 0)
}

// ReleaseFor releases on behalf of another connection (privileged).
func (c *Client) ReleaseFor(name string, target uint64) error {
	args := ""
	if target != 0 {
		args = strconv.FormatUint(target, 10)
	}
	status, _, err := c.request("r", name, args)
	if err != nil {
		return err
	}
	if status != "ok" {
		return statusErr(status)
	}
	return nil
}

// Resolve returns the owning connection id and entry flags for name.
func (c *Client) Resolve(name string) (uint64, uint64, error) {
	status, fields, err := c.request("q", name, "")
	if err != nil {
		return 0, 0, err
	}
	if status != "ok" || len(fields) < 2 {
		return 0, 0, statusErr(status)
	}
	id, err1 := strconv.ParseUint(fields[0], 10, 64)
	flags, err2 := strconv.ParseUint(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, errors.New("bad resolve response")
	}
	return id, flags, nil
}

// List fetches the name list selected by mask.
func (c *Client) List(mask uint64) ([]Record, error) {
	status, fields, err := c.request("ls", "", strconv.FormatUint(mask, 10))
	if err != nil {
		return nil, err
	}
	if status != "ok" || len(fields) < 3 {
		return nil, statusErr(status)
	}
	raw, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil {
		return nil, fmt.Errorf("bad list payload: %w", err)
	}
	return names.DecodeList(raw)
}

// Watch subscribes to ownership changes for a name or wildcard pattern.
// Matching events arrive on Events.
func (c *Client) Watch(pattern string) error {
	status, _, err := c.request("w", pattern, "")
	if err != nil {
		return err
	}
	if status != "ok" {
		return statusErr(status)
	}
	return nil
}

// Unwatch removes a subscription.
func (c *Client) Unwatch(pattern string) error {
	status, _, err := c.request("uw", pattern, "")
	if err != nil {
		return err
	}
	if status != "ok" {
		return statusErr(status)
	}
	return nil
}

// Events returns the pushed notification channel.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Send queues payload at the connection currently owning name.
func (c *Client) Send(name string, payload []byte) error {
	status, _, err := c.request("send", name, base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		return err
	}
	if status != "ok" {
		return statusErr(status)
	}
	return nil
}

// Recv pops the oldest queued message, or returns nil when none is
// queued.
func (c *Client) Recv() ([]byte, error) {
	status, fields, err := c.request("recv", "", "")
	if err != nil {
		return nil, err
	}
	switch {
	case status == "empty":
		return nil, nil
	case status == "ok" && len(fields) == 1:
		return base64.StdEncoding.DecodeString(fields[0])
	default:
		return nil, statusErr(status)
	}
}

// Stats fetches the daemon's JSON stats snapshot.
func (c *Client) Stats() (string, error) {
	status, fields, err := c.request("stats", "", "")
	if err != nil {
		return "", err
	}
	if status != "ok" || len(fields) == 0 {
		return "", statusErr(status)
	}
	return strings.Join(fields, " "), nil
}

// Close tears down the connection. The daemon releases every name the
// connection owned and drops its queued waits.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
