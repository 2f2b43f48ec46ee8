// Package client is the slave side of distmaster: it declares roles to a master,
// executes the work ranges the master dispatches and reports how much got done.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
)

// Client is a slave connection to a master.
type Client struct {
	transport protocol.Transport

	mu   sync.Mutex
	conn *connection

	// Work and event handlers
	workHandlers  map[string]WorkFunc
	eventHandlers map[EventType][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	closed atomic.Bool

	// Configuration and logging
	config Config
	logger log.Log
}

// connection is the state of one successful Connect.
type connection struct {
	channel      protocol.Channel
	session      string
	performances []protocol.RolePerformance

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Config holds configuration for the client
type Config struct {
	// Name is the logical name declared to the master.
	Name       string
	ServerAddr string
	Transport  protocol.TransportType
	// Identity, when set, is presented as the first frame; it must match Name and the
	// identity the mediator address is reserved for.
	Identity string
	Roles    []Role

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	Protocol          protocol.Config
	// AutoCapacity seeds roles without a declared performance with the logical CPU count.
	AutoCapacity bool
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerAddr:        "127.0.0.1:7400",
		Transport:         protocol.TransportTCP,
		ConnectTimeout:    10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		Protocol:          protocol.DefaultConfig(),
	}
}

// Task is one dispatched share of a job.
type Task struct {
	Job     string
	Round   string
	Role    string
	Ranges  []protocol.UnitRange
	Payload json.RawMessage
}

func (t Task) Units() int {
	return protocol.Dispatch{Ranges: t.Ranges}.Units()
}

// WorkFunc processes a task and returns how many units, from the start of its ranges,
// were completed. A returned error is reported to the master alongside the count.
type WorkFunc func(ctx context.Context, task Task) (int, error)

// EventHandler defines a function type for handling client events
type EventHandler func(event Event)

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeTask         EventType = "task"
	EventTypeError        EventType = "error"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
	Error     error
}

// NewClient creates a slave client
func NewClient(config Config, logger log.Log) (*Client, error) {
	if strings.TrimSpace(config.Name) == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if config.Identity != "" && config.Identity != config.Name {
		return nil, fmt.Errorf("%w: identity %q differs from name %q", ErrInvalidConfig, config.Identity, config.Name)
	}
	if err := validateRoles(config.Roles); err != nil {
		return nil, err
	}

	d := DefaultClientConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = d.ConnectTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = d.HeartbeatInterval
	}
	if config.Protocol.MaxMessageSize == 0 {
		config.Protocol = d.Protocol
	}

	kind, err := protocol.ParseTransportType(string(config.Transport))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	transport, err := protocol.NewTransport(kind, config.Protocol)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Provide()
	}

	c := &Client{
		transport:     transport,
		workHandlers:  make(map[string]WorkFunc),
		eventHandlers: make(map[EventType][]EventHandler),
		config:        config,
		logger:        logger.With(log.String("component", "client"), log.String("name", config.Name)),
	}

	if config.AutoCapacity {
		roles, err := AutoCapacity(config.Roles)
		if err != nil {
			c.logger.Warn("Capacity detection failed", log.Error(err))
		}
		c.config.Roles = roles
	}

	c.logger.Debug("Client created", log.Int("roles", len(c.config.Roles)))
	return c, nil
}

// Handle registers fn for tasks of role. The empty role receives whole-system tasks
// and every task whose role has no handler of its own.
func (c *Client) Handle(role string, fn WorkFunc) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.workHandlers[role] = fn
}

// OnEvent registers an event handler for a specific event type
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := append([]EventHandler(nil), c.eventHandlers[event.Type]...)
	c.handlerMutex.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Connect dials the master, declares the roles and waits for the verdict. A rejected
// declaration returns an error matching the protocol sentinel for the reject code.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.mu.Lock()
	if c.conn != nil && !c.conn.ended() {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	conn, err := c.connect(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	conn.wg.Add(2)
	c.mu.Unlock()

	go c.receiveLoop(conn)
	go c.heartbeatLoop(conn)

	c.logger.Info("Connected to master",
		log.String("session", conn.session),
		log.String("remote_addr", conn.channel.RemoteAddr().String()))

	c.emitEvent(Event{
		Type:      EventTypeConnected,
		Timestamp: time.Now(),
		Data: map[string]any{
			"session":     conn.session,
			"server_addr": c.config.ServerAddr,
		},
	})
	return nil
}

func (c *Client) connect(ctx context.Context) (*connection, error) {
	c.logger.Info("Connecting to master", log.String("addr", c.config.ServerAddr), log.Bool("bridged", c.config.Identity != ""))

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	ch, err := c.transport.Dial(connectCtx, c.config.ServerAddr)
	if err != nil {
		c.logger.Error("Failed to connect to master", log.String("addr", c.config.ServerAddr), log.Error(err))
		return nil, err
	}

	accept, err := c.handshake(connectCtx, ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	return &connection{
		channel:      ch,
		session:      accept.Session,
		performances: accept.Roles,
		ctx:          connCtx,
		cancel:       connCancel,
		done:         make(chan struct{}),
	}, nil
}

func (c *Client) handshake(ctx context.Context, ch protocol.Channel) (protocol.Accept, error) {
	if c.config.Identity != "" {
		if err := ch.Send(ctx, []byte(c.config.Identity)); err != nil {
			return protocol.Accept{}, fmt.Errorf("present identity: %w", err)
		}
	}

	decl := protocol.Declare{Name: c.config.Name, Roles: declarations(c.config.Roles)}
	if err := protocol.WriteMessage(ctx, ch, protocol.MessageDeclare, decl); err != nil {
		return protocol.Accept{}, fmt.Errorf("declare: %w", err)
	}

	answer, err := protocol.ReadMessage(ctx, ch)
	if err != nil {
		return protocol.Accept{}, fmt.Errorf("await verdict: %w", err)
	}

	switch answer.Type {
	case protocol.MessageAccept:
		var accept protocol.Accept
		if err = answer.Decode(&accept); err != nil {
			return protocol.Accept{}, err
		}
		return accept, nil
	case protocol.MessageReject:
		var reject protocol.Reject
		if err = answer.Decode(&reject); err != nil {
			return protocol.Accept{}, err
		}
		c.logger.Warn("Declaration rejected", log.String("code", string(reject.Code)), log.String("reason", reject.Reason))
		return protocol.Accept{}, reject.Err()
	default:
		return protocol.Accept{}, fmt.Errorf("%w: %s", ErrUnexpectedAnswer, answer.Type)
	}
}

func (c *Client) receiveLoop(conn *connection) {
	defer conn.wg.Done()
	for {
		msg, err := protocol.ReadMessage(conn.ctx, conn.channel)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				c.logger.Warn("Dropping malformed message", log.Error(err))
				continue
			}
			c.terminate(conn, err)
			return
		}

		switch msg.Type {
		case protocol.MessageDispatch:
			var d protocol.Dispatch
			if err = msg.Decode(&d); err != nil {
				c.logger.Warn("Dropping malformed dispatch", log.Error(err))
				continue
			}
			conn.wg.Add(1)
			go c.execute(conn, d)
		default:
			c.logger.Debug("Ignoring message", log.String("type", string(msg.Type)))
		}
	}
}

func (c *Client) handler(role string) WorkFunc {
	c.handlerMutex.RLock()
	defer c.handlerMutex.RUnlock()
	if fn, ok := c.workHandlers[role]; ok {
		return fn
	}
	return c.workHandlers[""]
}

// execute runs the handler for d and answers with a report.
func (c *Client) execute(conn *connection, d protocol.Dispatch) {
	defer conn.wg.Done()

	task := Task{Job: d.Job, Round: d.Round, Role: d.Role, Ranges: d.Ranges, Payload: d.Payload}
	units := task.Units()
	report := protocol.Report{Round: d.Round, Job: d.Job, Role: d.Role}

	c.emitEvent(Event{Type: EventTypeTask, Timestamp: time.Now(), Data: map[string]any{"job": d.Job, "role": d.Role, "units": units}})

	start := time.Now()
	fn := c.handler(d.Role)
	if fn == nil {
		report.Error = fmt.Sprintf("%v: role %q", ErrHandlerNotFound, d.Role)
	} else {
		processed, err := fn(conn.ctx, task)
		report.UnitsProcessed = min(max(processed, 0), units)
		if err != nil {
			report.Error = err.Error()
		}
	}
	report.ElapsedMillis = time.Since(start).Milliseconds()

	if err := protocol.WriteMessage(conn.ctx, conn.channel, protocol.MessageReport, report); err != nil {
		c.logger.Warn("Failed to send report", log.String("job", d.Job), log.Error(err))
		c.terminate(conn, err)
		return
	}
	c.logger.Debug("Task reported",
		log.String("job", d.Job),
		log.String("role", d.Role),
		log.Int("units", units),
		log.Int("processed", report.UnitsProcessed),
		log.Int64("elapsed_ms", report.ElapsedMillis))
}

func (c *Client) heartbeatLoop(conn *connection) {
	defer conn.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := protocol.WriteMessage(conn.ctx, conn.channel, protocol.MessageHeartbeat, protocol.Heartbeat{}); err != nil {
				c.terminate(conn, err)
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

// terminate ends conn once. A nil cause means a local Disconnect.
func (c *Client) terminate(conn *connection, cause error) {
	first := false
	conn.once.Do(func() {
		first = true
		conn.cancel()
		_ = conn.channel.Close()
		close(conn.done)
	})
	if !first {
		return
	}

	if cause != nil && !errors.Is(cause, context.Canceled) {
		c.logger.Info("Connection to master lost", log.Error(cause))
		c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: cause})
	}
	c.emitEvent(Event{
		Type:      EventTypeDisconnected,
		Timestamp: time.Now(),
		Data:      map[string]any{"session": conn.session},
		Error:     cause,
	})
}

func (conn *connection) ended() bool {
	select {
	case <-conn.done:
		return true
	default:
		return false
	}
}

// Disconnect closes the connection and waits for running tasks to return.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || conn.ended() {
		return ErrNotConnected
	}

	c.logger.Info("Disconnecting from master")
	c.terminate(conn, nil)
	conn.wg.Wait()
	return nil
}

// Close disconnects and makes the client unusable.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	c.logger.Debug("Client closed")
	return nil
}

// Done is closed when the current connection ends. Before the first Connect it is nil.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.done
}

// Performances are the role performances the master accepted the declaration with.
func (c *Client) Performances() []protocol.RolePerformance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return append([]protocol.RolePerformance(nil), c.conn.performances...)
}

// Session is the master's handle for the current connection.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.session
}

// IsConnected returns true while a connection is live
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.ended()
}

func (c *Client) Config() Config {
	return c.config
}
