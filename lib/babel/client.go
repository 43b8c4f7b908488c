// Package babel talks to a local babeld over its line-oriented control
// protocol.
//
// A session starts with a preamble terminated by "ok". Every command is a
// single line; babeld answers with zero or more data lines followed by "ok"
// on success, or "bad" / "no" when it rejects the command.
package babel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxFee is the largest fee babeld accepts without overflowing its metric
// arithmetic.
const MaxFee = 999_999_999

const defaultTimeout = 5 * time.Second

var (
	// ErrBabelCommand is returned when babeld rejects a command.
	ErrBabelCommand = errors.New("babeld rejected command")
	// ErrNoLocalFee is returned when the dump carries no local fee line.
	ErrNoLocalFee = errors.New("babeld has no local fee")
	// ErrPreamble is returned when the session greeting is malformed.
	ErrPreamble = errors.New("invalid babeld preamble")
	// ErrFeeTooHigh is returned for fees above MaxFee.
	ErrFeeTooHigh = errors.New("fee too high")
)

// Client is one control session. It is safe for concurrent use, but
// commands are serialized on the connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	logger  *slog.Logger
	started bool
}

// NewClient wraps an established connection. Start must be called before
// issuing commands.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: defaultTimeout,
		logger:  logger.With("component", "babel"),
	}
}

// SetTimeout bounds every read and write on the session. Zero disables it.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Start consumes the session preamble.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setDeadline(); err != nil {
		return err
	}

	lines, err := c.readReply()
	if err != nil {
		return fmt.Errorf("reading preamble: %w", err)
	}
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "BABEL") {
		return fmt.Errorf("%w: %q", ErrPreamble, lines)
	}

	c.started = true
	c.logger.Debug("babel session started", "greeting", lines[0])
	return nil
}

// LocalFee returns the fee babeld currently announces for this node.
func (c *Client) LocalFee() (uint32, error) {
	lines, err := c.command("dump")
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, "local fee ")
		if !ok {
			continue
		}
		fee, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("parsing local fee %q: %w", rest, err)
		}
		return uint32(fee), nil
	}
	return 0, ErrNoLocalFee
}

// SetLocalFee changes the fee babeld announces for this node.
func (c *Client) SetLocalFee(fee uint32) error {
	_, err := c.command("fee " + strconv.FormatUint(uint64(fee), 10))
	return err
}

// SetMetricFactor changes how strongly route quality weighs against price.
func (c *Client) SetMetricFactor(factor uint32) error {
	_, err := c.command("metric-factor " + strconv.FormatUint(uint64(factor), 10))
	return err
}

// Routes returns every route in babeld's table. Lines that cannot be
// parsed are logged and skipped.
func (c *Client) Routes() ([]Route, error) {
	lines, err := c.command("dump")
	if err != nil {
		return nil, err
	}

	var routes []Route
	for _, line := range lines {
		if !strings.HasPrefix(line, "add route ") {
			continue
		}
		route, err := ParseRoute(line)
		if err != nil {
			c.logger.Warn("skipping unparseable route", "line", line, "error", err)
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) command(cmd string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, fmt.Errorf("%s: session not started", cmd)
	}
	if err := c.setDeadline(); err != nil {
		return nil, err
	}

	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return nil, fmt.Errorf("sending %q: %w", cmd, err)
	}

	lines, err := c.readReply()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return lines, nil
}

// readReply reads lines up to and including the status line.
func (c *Client) readReply() ([]string, error) {
	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch line {
		case "ok":
			return lines, nil
		case "bad", "no":
			return nil, fmt.Errorf("%w: %s", ErrBabelCommand, line)
		}
		lines = append(lines, line)
	}
}

func (c *Client) setDeadline() error {
	if c.timeout <= 0 {
		return nil
	}
	return c.conn.SetDeadline(time.Now().Add(c.timeout))
}

// Dial connects to babeld at addr and starts a session.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to babeld at %s: %w", addr, err)
	}

	c := NewClient(conn, logger)
	if err := c.Start(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// CheckFee validates a fee an operator wants babeld to announce. A zero
// fee is allowed but logged loudly.
func CheckFee(fee uint32, logger *slog.Logger) error {
	if fee > MaxFee {
		return fmt.Errorf("%w: %d exceeds %d", ErrFeeTooHigh, fee, MaxFee)
	}
	if fee == 0 {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("THIS NODE IS GIVING BANDWIDTH AWAY FOR FREE. Set local_fee to a non-zero value to disable this warning.")
	}
	return nil
}
