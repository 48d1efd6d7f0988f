package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/auris-project/auris/internal/capture"
	"github.com/auris-project/auris/internal/gateway"
	"github.com/auris-project/auris/internal/observe"
	"github.com/auris-project/auris/pkg/recognizer"
	"github.com/auris-project/auris/pkg/speech"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
	dialTimeout       = 10 * time.Second
)

// maxLineSize bounds one inbound protocol line.
const maxLineSize = 1 << 20

// CaptureControl is the slice of the capture machine the session drives.
// Implemented by [capture.Machine].
type CaptureControl interface {
	SetMode(mode capture.Mode)
	SetBotName(name string)
	Pause()
}

// Recognizer is the gateway boundary. Implemented by [gateway.Gateway].
type Recognizer interface {
	Recognize(ctx context.Context, chunks recognizer.ChunkSource, req gateway.Request) (gateway.Outcome, error)
}

// Config configures a [Controller].
type Config struct {
	// Addr is the command server's host:port.
	Addr string

	// TLS, when non-nil, wraps the connection. Plain TCP otherwise.
	TLS *tls.Config

	// Zone identifies this listener to the server.
	Zone string

	// Hostname is the sender name stamped on outbound messages.
	// Defaults to the OS hostname.
	Hostname string

	// Capture is the machine driven by server directives.
	Capture CaptureControl

	// Gateway performs the recognition of dispatched utterances.
	Gateway Recognizer

	// Dispatches delivers activated utterances from the capture machine.
	Dispatches <-chan capture.Dispatch

	// Speaker announces session cues and server chat to the user.
	Speaker speech.Speaker

	// Backoff is the initial reconnect delay, doubling up to MaxBackoff and
	// resetting on every successful connect. Defaults to 1s/30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// DebugInput and DebugOutput log every wire line.
	DebugInput  bool
	DebugOutput bool

	// Dialer overrides the transport dial. Tests use this to serve the
	// protocol over a pipe.
	Dialer func(ctx context.Context) (net.Conn, error)

	// Metrics is the metrics sink. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Controller drives the client session: connect, login, relay directives
// into the capture machine, and turn dispatched utterances into outbound
// chat messages. All blocking network I/O, the recognition call included,
// happens on the Run loop.
type Controller struct {
	cfg     Config
	dial    func(ctx context.Context) (net.Conn, error)
	speaker speech.Speaker
	metrics *observe.Metrics
	log     *slog.Logger

	// connected mirrors the session state for the readiness probe.
	connected atomic.Bool

	// Loop-owned session state.
	mode       capture.Mode
	witContext json.RawMessage
	botName    string
}

// New creates a Controller. Call [Controller.Run] to start it.
func New(cfg Config) *Controller {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Hostname = host
		} else {
			cfg.Hostname = "auris"
		}
	}
	c := &Controller{
		cfg:     cfg,
		dial:    cfg.Dialer,
		speaker: cfg.Speaker,
		metrics: cfg.Metrics,
		log:     slog.With("component", "session"),
	}
	if c.dial == nil {
		c.dial = c.dialTransport
	}
	if c.speaker == nil {
		c.speaker = speech.Log{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Connected reports whether a server session is currently established.
func (c *Controller) Connected() bool {
	return c.connected.Load()
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. The backoff resets to its minimum on every successful
// connect.
func (c *Controller) Run(ctx context.Context) error {
	backoff := c.cfg.Backoff
	announcedNoServer := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !announcedNoServer {
				c.speaker.Speak("no server")
				announcedNoServer = true
			}
			c.log.Warn("connect failed",
				"addr", c.cfg.Addr,
				"backoff", backoff,
				"error", err,
			)
			c.metrics.RecordReconnect(ctx)
			if !c.waitOrDrop(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}

		backoff = c.cfg.Backoff
		announcedNoServer = true
		c.connected.Store(true)
		c.metrics.SetConnected(ctx, true)
		c.log.Info("connected", "addr", conn.RemoteAddr())

		err = c.serve(ctx, conn)
		conn.Close()
		c.connected.Store(false)
		c.metrics.SetConnected(ctx, false)

		// No utterance survives a connection outage: resuming against an
		// unconfirmed bot identity would be unsafe.
		c.cfg.Capture.Pause()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection lost", "error", err)
		c.speaker.Speak("lost server")
		c.metrics.RecordReconnect(ctx)
		if !c.waitOrDrop(ctx, backoff) {
			return ctx.Err()
		}
	}
}

// waitOrDrop sleeps for the backoff period while rejecting any utterance
// dispatched in the window between connection loss and capture pausing.
// Recognized speech has no retry semantics: with no session it fails
// immediately and is announced, never queued. Reports false when ctx ends.
func (c *Controller) waitOrDrop(ctx context.Context, backoff time.Duration) bool {
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case d := <-c.cfg.Dispatches:
			drainChunks(d.Chunks)
			c.log.Warn("utterance dropped, no server connection")
			c.speaker.Speak("no server")
		case <-timer.C:
			return true
		}
	}
}

// dialTransport opens the TCP or TLS connection per configuration.
func (c *Controller) dialTransport(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	if c.cfg.TLS != nil {
		td := &tls.Dialer{NetDialer: d, Config: c.cfg.TLS}
		return td.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	return d.DialContext(ctx, "tcp", c.cfg.Addr)
}

// serve runs one connected session until the connection drops or ctx is
// cancelled.
func (c *Controller) serve(ctx context.Context, conn net.Conn) error {
	inbound := make(chan *Message)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go c.readLoop(conn, inbound, readErr, done)

	if err := c.send(conn, &Message{Type: TypeCommand, Command: CommandLoginReq}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case msg := <-inbound:
			c.handle(msg)
		case d := <-c.cfg.Dispatches:
			c.dispatch(ctx, conn, d)
		}
	}
}

// readLoop feeds decoded inbound messages until the connection fails.
// A line that does not parse is logged and skipped; the session continues.
func (c *Controller) readLoop(conn net.Conn, inbound chan<- *Message, readErr chan<- error, done <-chan struct{}) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := decode(line)
		if err != nil {
			c.log.Warn("malformed message ignored", "error", err)
			continue
		}
		select {
		case inbound <- msg:
		case <-done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("session: server closed the connection")
	}
	readErr <- err
}

// handle processes one inbound message on the session loop.
func (c *Controller) handle(msg *Message) {
	if c.cfg.DebugInput {
		c.log.Debug("input", "message", msg)
	}

	switch msg.NormalizedType() {
	case TypeChat:
		if !msg.Silent() {
			c.speaker.Speak(msg.Message)
		}

	case TypeError:
		c.log.Error("server error", "message", msg.Message)
		if !msg.Silent() {
			c.speaker.Speak(msg.Message)
		}

	case TypeCommand:
		c.handleCommand(msg)

	case "":
		// Bare frames carry text to speak in their body.
		if !msg.Silent() && msg.Body != "" {
			c.speaker.Speak(msg.Body)
		}

	default:
		c.log.Warn("unknown message type ignored", "type", msg.Type)
	}
}

// handleCommand processes a command directive.
func (c *Controller) handleCommand(msg *Message) {
	switch msg.NormalizedCommand() {
	case CommandLoginAck:
		c.botName = msg.BotName
		c.log.Info("logged in", "bot", c.botName)
		// Only now may capture produce dispatchable utterances: the pipes
		// are rebuilt against the confirmed bot vocabulary.
		if !msg.Silent() {
			c.cfg.Capture.SetBotName(c.botName)
		}

	case CommandAsk:
		if !msg.Silent() && msg.Message != "" {
			c.speaker.Speak(msg.Message)
		}
		c.witContext = msg.WitContext
		c.mode = capture.ModeAsk
		c.cfg.Capture.SetMode(capture.ModeAsk)

	case CommandKWS:
		if !msg.Silent() && msg.Message != "" {
			c.speaker.Speak(msg.Message)
		}
		c.witContext = msg.WitContext
		c.mode = capture.ModeKeywordSpot
		c.cfg.Capture.SetMode(capture.ModeKeywordSpot)

	default:
		c.log.Warn("unknown command ignored", "command", msg.Command)
	}
}

// dispatch recognizes one activated utterance and sends the result. A failed
// recognition drops the utterance; the gateway already logged why.
func (c *Controller) dispatch(ctx context.Context, conn net.Conn, d capture.Dispatch) {
	out, err := c.cfg.Gateway.Recognize(ctx, d.Chunks, gateway.Request{
		Context: c.witContext,
		Relaxed: c.mode != capture.ModeOff,
	})
	if err != nil {
		return
	}
	if err := c.sendChat(conn, out.Transcript, out.Intent); err != nil {
		c.log.Warn("could not send recognized utterance", "error", err)
	}
}

// sendChat sends a recognized utterance to the server.
func (c *Controller) sendChat(conn net.Conn, message string, outcome json.RawMessage) error {
	return c.send(conn, &Message{
		Type:    TypeChat,
		Message: message,
		Outcome: outcome,
	})
}

// send stamps the sender envelope and writes one line.
func (c *Controller) send(conn net.Conn, msg *Message) error {
	msg.From = c.cfg.Hostname
	msg.Zone = c.cfg.Zone
	msg.To = "Server"

	line, err := encode(msg)
	if err != nil {
		return err
	}
	if c.cfg.DebugOutput {
		c.log.Debug("output", "line", string(line[:len(line)-1]))
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// drainChunks consumes a chunk source so the producing drain goroutine is
// not left blocked.
func drainChunks(chunks recognizer.ChunkSource) {
	for {
		if _, ok := chunks.Next(); !ok {
			return
		}
	}
}
