package indi

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds INDI client configuration.
type Config struct {
	// Host of the indiserver
	Host string
	// Port of the indiserver (DefaultPort when zero)
	Port int
	// DialTimeout bounds the TCP connect
	DialTimeout time.Duration
	// WriteTimeout bounds a single request write when the context has no deadline
	WriteTimeout time.Duration
}

// Client is a connection to an indiserver and a mirror of the properties it
// defines. It is safe for concurrent use.
type Client struct {
	config *Config
	logger *zap.Logger

	connMu  sync.Mutex
	conn    net.Conn
	done    chan struct{}
	readErr error

	mu       sync.RWMutex
	devices  map[string]*deviceState
	handlers []handlerEntry
	nextID   uint64
}

type deviceState struct {
	props map[string]*Property
	order []string
}

type handlerEntry struct {
	id uint64
	fn UpdateHandler
}

// NewClient creates a client. The connection is opened by Connect.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	return &Client{
		config:  config,
		logger:  logger.With(zap.String("component", "indi_client")),
		devices: make(map[string]*deviceState),
	}, nil
}

// Address returns the host:port the client connects to.
func (c *Client) Address() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

// Connect dials the server, starts the read loop and requests all properties.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil && !isClosed(c.done) {
		return nil
	}

	addr := c.Address()
	c.logger.Info("Connecting to indiserver", zap.String("address", addr))

	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to indiserver at %s: %w", addr, err)
	}

	c.mu.Lock()
	c.devices = make(map[string]*deviceState)
	c.readErr = nil
	c.mu.Unlock()

	done := make(chan struct{})
	c.conn = conn
	c.done = done
	go c.readLoop(conn, done)

	if err := c.writeLocked(ctx, getPropertiesXML{Version: ProtocolVersion}); err != nil {
		_ = conn.Close()
		<-done
		c.conn = nil
		return fmt.Errorf("failed to request properties: %w", err)
	}

	c.logger.Info("Connected to indiserver", zap.String("address", addr))
	return nil
}

// Close closes the server connection and waits for the read loop to exit.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	c.conn = nil
	c.logger.Info("Disconnected from indiserver")
	return err
}

// IsConnected reports whether the server connection is alive.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil && !isClosed(c.done)
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readErr
}

// Subscribe registers h for property updates and returns a function that
// removes it.
func (c *Client) Subscribe(h UpdateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: h})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, entry := range c.handlers {
			if entry.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// DeviceNames returns the names of all devices the server has defined.
func (c *Client) DeviceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Property returns a snapshot of a property.
func (c *Client) Property(device, name string) (*Property, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dev, ok := c.devices[device]
	if !ok {
		return nil, false
	}
	p, ok := dev.props[name]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Properties returns snapshots of all properties of a device in definition order.
func (c *Client) Properties(device string) []*Property {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dev, ok := c.devices[device]
	if !ok {
		return nil
	}
	props := make([]*Property, 0, len(dev.order))
	for _, name := range dev.order {
		props = append(props, dev.props[name].Clone())
	}
	return props
}

// IsDeviceConnected reports whether the device's CONNECTION switch is on.
func (c *Client) IsDeviceConnected(device string) bool {
	p, ok := c.Property(device, "CONNECTION")
	if !ok {
		return false
	}
	e := p.Element("CONNECT")
	return e != nil && e.Switch == SwitchOn
}

// WaitDevice polls until the server has defined the device.
func (c *Client) WaitDevice(ctx context.Context, device string, policy RetryPolicy) error {
	attempts, err := policy.Poll(ctx, ErrDeviceNotFound, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, ok := c.devices[device]
		return ok
	})
	if err != nil {
		return fmt.Errorf("device %q: %w", device, err)
	}
	c.logger.Info("Device found",
		zap.String("device", device),
		zap.Int("attempts", attempts))
	return nil
}

// WaitProperty polls until the device defines the named property and returns
// a snapshot of it.
func (c *Client) WaitProperty(ctx context.Context, device, name string, kind PropertyKind, policy RetryPolicy) (*Property, error) {
	var found *Property
	_, err := policy.Poll(ctx, ErrPropertyNotFound, func() bool {
		p, ok := c.Property(device, name)
		if ok {
			found = p
		}
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("property %s.%s: %w", device, name, err)
	}
	if kind != KindUnknown && found.Kind != kind {
		return nil, fmt.Errorf("property %s.%s is %s, want %s: %w",
			device, name, found.Kind, kind, ErrKindMismatch)
	}
	return found, nil
}

// SendNewNumber pushes the element values of a number property to the server.
func (c *Client) SendNewNumber(ctx context.Context, p *Property) error {
	return c.sendNew(ctx, p, KindNumber)
}

// SendNewSwitch pushes the switch states of a switch property to the server.
func (c *Client) SendNewSwitch(ctx context.Context, p *Property) error {
	return c.sendNew(ctx, p, KindSwitch)
}

// SendNewText pushes the texts of a text property to the server.
func (c *Client) SendNewText(ctx context.Context, p *Property) error {
	return c.sendNew(ctx, p, KindText)
}

func (c *Client) sendNew(ctx context.Context, p *Property, kind PropertyKind) error {
	if p == nil {
		return fmt.Errorf("property cannot be nil")
	}
	if p.Kind != kind {
		return fmt.Errorf("property %s.%s is %s, want %s: %w", p.Device, p.Name, p.Kind, kind, ErrKindMismatch)
	}

	data, err := encodeNew(p)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p.Name, err)
	}
	if err := c.writeRaw(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s.%s: %w", p.Device, p.Name, err)
	}

	c.logger.Debug("Property sent",
		zap.String("device", p.Device),
		zap.String("property", p.Name),
		zap.String("kind", kind.String()))
	return nil
}

// SetBLOBMode tells the server whether to deliver BLOBs for a device, or for
// one of its properties when name is set.
func (c *Client) SetBLOBMode(ctx context.Context, mode BLOBMode, device, name string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if err := c.writeLocked(ctx, enableBLOBXML{Device: device, Name: name, Mode: mode}); err != nil {
		return fmt.Errorf("failed to set BLOB mode for %s: %w", device, err)
	}
	c.logger.Info("BLOB mode set",
		zap.String("device", device),
		zap.String("property", name),
		zap.String("mode", string(mode)))
	return nil
}

func (c *Client) writeRaw(ctx context.Context, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.writeBytesLocked(ctx, data)
}

// writeLocked marshals msg and writes it. connMu must be held.
func (c *Client) writeLocked(ctx context.Context, msg interface{}) error {
	data, err := xml.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.writeBytesLocked(ctx, data)
}

func (c *Client) writeBytesLocked(ctx context.Context, data []byte) error {
	if c.conn == nil || isClosed(c.done) {
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()

	data = append(data, '\n')
	_, err := c.conn.Write(data)
	return err
}

// readLoop decodes the server stream until the connection ends.
func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	dec := xml.NewDecoder(conn)
	for {
		tok, err := dec.Token()
		if err != nil {
			c.finish(err)
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var v vectorXML
		if err := dec.DecodeElement(&v, &start); err != nil {
			c.finish(fmt.Errorf("failed to decode %s: %w", start.Name.Local, err))
			return
		}
		c.handle(&v)
	}
}

func (c *Client) finish(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.logger.Info("INDI stream closed")
		err = nil
	} else {
		c.logger.Error("INDI stream failed", zap.Error(err))
	}
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

func (c *Client) handle(v *vectorXML) {
	tag := v.XMLName.Local
	if v.Message != "" {
		c.logger.Info("INDI message",
			zap.String("device", v.Device),
			zap.String("message", v.Message))
	}

	switch tag {
	case "message":
		return
	case "delProperty":
		c.remove(v.Device, v.Name)
		return
	}

	op, kind := splitTag(tag)
	if kind == KindUnknown {
		c.logger.Debug("Ignoring INDI element", zap.String("element", tag))
		return
	}

	switch op {
	case "def":
		c.define(v, kind)
	case "set":
		c.update(v, kind)
	}
}

func (c *Client) define(v *vectorXML, kind PropertyKind) {
	p, err := defineProperty(v, kind)
	if err != nil {
		c.logger.Warn("Invalid property definition", zap.Error(err))
		return
	}

	c.mu.Lock()
	dev, ok := c.devices[p.Device]
	if !ok {
		dev = &deviceState{props: make(map[string]*Property)}
		c.devices[p.Device] = dev
		c.logger.Debug("Device defined", zap.String("device", p.Device))
	}
	if _, exists := dev.props[p.Name]; !exists {
		dev.order = append(dev.order, p.Name)
	}
	dev.props[p.Name] = p
	c.mu.Unlock()

	c.logger.Debug("Property defined",
		zap.String("device", p.Device),
		zap.String("property", p.Name),
		zap.String("kind", kind.String()))
}

func (c *Client) update(v *vectorXML, kind PropertyKind) {
	c.mu.Lock()
	dev, ok := c.devices[v.Device]
	var current *Property
	if ok {
		current = dev.props[v.Name]
	}
	if current == nil {
		c.mu.Unlock()
		c.logger.Debug("Update for undefined property",
			zap.String("device", v.Device),
			zap.String("property", v.Name))
		return
	}
	if current.Kind != kind {
		c.mu.Unlock()
		c.logger.Warn("Update kind does not match definition",
			zap.String("device", v.Device),
			zap.String("property", v.Name),
			zap.String("kind", kind.String()))
		return
	}

	next, err := updateProperty(current, v)
	if err != nil {
		if next == nil {
			c.mu.Unlock()
			c.logger.Warn("Invalid property update", zap.Error(err))
			return
		}
		// delivered with empty data so waiters see the failure
		c.logger.Warn("Discarding malformed BLOB payload", zap.Error(err))
	}
	dev.props[v.Name] = next
	handlers := make([]handlerEntry, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(next.Clone())
	}
}

func (c *Client) remove(device, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev, ok := c.devices[device]
	if !ok {
		return
	}
	if name == "" {
		delete(c.devices, device)
		c.logger.Info("Device deleted", zap.String("device", device))
		return
	}
	delete(dev.props, name)
	for i, n := range dev.order {
		if n == name {
			dev.order = append(dev.order[:i], dev.order[i+1:]...)
			break
		}
	}
}

func isClosed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
