// Package scpi speaks the multimeter's SCPI-like command set over a line
// transport.
package scpi

import (
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/logger"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/transport"
	"codeberg.org/mutker/dmmctl/internal/units"
)

const DefaultReadTimeout = 500 * time.Millisecond

// Identity is the parsed *IDN? reply.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
	Raw          string
}

func (id Identity) String() string {
	if id.Model == "" {
		return id.Raw
	}
	return strings.TrimSpace(id.Manufacturer + " " + id.Model)
}

// Client issues dialect commands over a transport.Conn. It is safe for
// concurrent use, but callers normally serialize through the scheduler.
type Client struct {
	mu      sync.Mutex
	conn    transport.Conn
	dialect Dialect
	timeout time.Duration
	mode    measurement.Mode
	sleep   func(time.Duration)
	log     logger.Logger

	// index of the range query that last answered
	rangeHit int
}

// Option configures a Client.
type Option func(*Client)

// WithReadTimeout bounds every reply wait.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithSleep replaces the settle delay implementation.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

func NewClient(conn transport.Conn, dialect Dialect, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		dialect: dialect,
		timeout: DefaultReadTimeout,
		sleep:   time.Sleep,
		log:     logger.For("scpi"),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Dialect returns the command table in use.
func (c *Client) Dialect() Dialect {
	return c.dialect
}

// Mode returns the last mode set successfully.
func (c *Client) Mode() measurement.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

func (c *Client) query(cmd string) (string, error) {
	if err := c.conn.ResetInput(); err != nil {
		return "", err
	}
	if err := c.conn.SendLine(cmd); err != nil {
		return "", err
	}

	reply, err := c.conn.ReadLine(c.timeout)
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("cmd", cmd).Str("reply", reply).Send()

	return reply, nil
}

// Identify sends the identification query and checks the reply against the
// dialect pattern.
func (c *Client) Identify() (Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	errFactory := errors.New()

	reply, err := c.query(c.dialect.IdentifyQuery)
	if err != nil {
		if errors.HasCode(err, errors.ErrConnection) {
			return Identity{}, err
		}
		return Identity{}, errFactory.Wrap(errors.ErrProtocol, err)
	}

	if !c.dialect.Matches(reply) {
		return Identity{Raw: reply}, errFactory.WithData(errors.ErrProtocol, struct {
			Dialect string
			Reply   string
		}{c.dialect.Name, reply})
	}

	return parseIdentity(reply), nil
}

func parseIdentity(reply string) Identity {
	id := Identity{Raw: reply}
	fields := strings.Split(reply, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	targets := []*string{&id.Manufacturer, &id.Model, &id.Serial, &id.Firmware}
	for i := 0; i < len(fields) && i < len(targets); i++ {
		*targets[i] = fields[i]
	}

	return id
}

// SetMode selects a measurement mode and verifies it with a function
// readback. On mismatch the previous mode is restored.
func (c *Client) SetMode(m measurement.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	errFactory := errors.New()

	cmd, ok := c.dialect.Modes[m]
	if !ok {
		return errFactory.WithData(errors.ErrUnsupportedMode, m.String())
	}

	if err := c.conn.SendLine(cmd.Command); err != nil {
		return err
	}
	c.sleep(c.dialect.SettleDelay)

	if len(cmd.Readback) == 0 || c.dialect.FunctionQuery == "" {
		c.mode = m
		return nil
	}

	function, err := c.query(c.dialect.FunctionQuery)
	if err != nil {
		return err
	}
	if cmd.accepts(function) {
		c.mode = m
		return nil
	}

	c.log.Warn().Str("mode", m.String()).Str("function", function).Msg("mode readback mismatch")
	if prev, ok := c.dialect.Modes[c.mode]; ok {
		if err := c.conn.SendLine(prev.Command); err != nil {
			return err
		}
		c.sleep(c.dialect.SettleDelay)
	}

	return errFactory.WithData(errors.ErrUnsupportedMode, struct {
		Mode     string
		Function string
	}{m.String(), function})
}

// QueryMode asks the meter for its active function and maps the answer back
// through the readback tables.
func (c *Client) QueryMode() (measurement.Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.query(c.dialect.FunctionQuery)
	if err != nil {
		return measurement.ModeUnknown, err
	}

	for m, cmd := range c.dialect.Modes {
		if len(cmd.Readback) > 0 && cmd.accepts(reply) {
			c.mode = m
			return m, nil
		}
	}

	return measurement.ModeUnknown, errors.New().WithData(errors.ErrProtocol, "unknown function "+reply)
}

// SetRate selects the integration speed.
func (c *Client) SetRate(r measurement.Rate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, ok := c.dialect.Rates[r]
	if !ok {
		return errors.New().WithData(errors.ErrInvalidArgument, "unsupported rate "+r.String())
	}

	return c.conn.SendLine(cmd)
}

// QueryValue reads one measurement. Replies without a unit take the unit of
// the active mode.
func (c *Client) QueryValue() (Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.query(c.dialect.MeasureQuery)
	if err != nil {
		return Reading{}, err
	}

	r, err := ParseReading(reply)
	if err != nil {
		return r, err
	}
	if r.Unit == units.None {
		r.Unit = c.mode.Unit()
	}

	return r, nil
}

// QueryRange returns the first non-empty answer to the dialect's range
// queries, starting with the one that answered last time. Failures are not
// errors; an empty string means unknown.
func (c *Client) QueryRange() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.dialect.RangeQueries)
	for i := 0; i < n; i++ {
		idx := (c.rangeHit + i) % n
		reply, err := c.query(c.dialect.RangeQueries[idx])
		if err != nil {
			if errors.HasCode(err, errors.ErrConnection) {
				return ""
			}
			continue
		}
		if reply = strings.Trim(reply, `"`); reply != "" {
			c.rangeHit = idx
			return reply
		}
	}

	return ""
}
