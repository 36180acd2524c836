// Package serial provides a mesh substrate over a serial link.
//
// Mesh messages are carried in frames (magic, big-endian length, payload,
// Fletcher-16 checksum) so that two nodes joined by a cable, a radio modem
// or a USB bridge can exchange posts. Bytes between frames are skipped by
// resynchronising on the frame magic. A port that fails is reopened after
// Config.ReopenDelay until the transport is stopped.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/codec"
	"github.com/kabili207/zeta-go/transport"
)

var _ transport.Mesh = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate.
	DefaultBaudRate = 115200

	// DefaultReopenDelay is the wait before reopening a failed port.
	DefaultReopenDelay = 5 * time.Second

	readBufSize = 1024
)

// ErrNoPort is returned by Start without a port path.
var ErrNoPort = errors.New("serial: port is required")

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial device path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate defaults to 115200.
	BaudRate int
	// ReopenDelay is the wait before reopening a port that failed.
	// Default: 5s. A negative value disables reopening.
	ReopenDelay time.Duration
	// Logger for transport events. Falls back to zap.NewNop() if nil.
	Logger *zap.Logger
}

// Opener opens the serial device. It is replaced in tests.
type Opener func(path string, mode *serial.Mode) (io.ReadWriteCloser, error)

func openPort(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// Transport is a mesh substrate over a serial connection.
type Transport struct {
	cfg  Config
	log  *zap.Logger
	open Opener

	mu        sync.RWMutex
	port      io.ReadWriteCloser
	cancel    context.CancelFunc
	done      chan struct{}
	onMessage transport.MessageHandler
	onState   transport.StateHandler

	writeMu sync.Mutex

	// frames is only touched by the read goroutine.
	frames codec.Splitter
}

// New creates a serial transport.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReopenDelay == 0 {
		cfg.ReopenDelay = DefaultReopenDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:  cfg,
		log:  logger.Named("serial"),
		open: openPort,
	}
}

// Name returns "serial".
func (t *Transport) Name() string {
	return "serial"
}

// Start opens the port and begins reading frames. The first open must
// succeed; later failures are retried in the background.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return ErrNoPort
	}
	port, err := t.open(t.cfg.Port, &serial.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", t.cfg.Port, err)
	}
	t.attach(ctx, port)
	return nil
}

// attach takes ownership of an open port and starts the read goroutine.
func (t *Transport) attach(ctx context.Context, port io.ReadWriteCloser) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	t.setPort(port)
	go t.run(runCtx, port, done)
}

// setPort installs port as the current connection, or clears it when port
// is nil, and reports the change.
func (t *Transport) setPort(port io.ReadWriteCloser) {
	t.mu.Lock()
	t.port = port
	handler := t.onState
	t.mu.Unlock()

	ev := transport.EventDisconnected
	if port != nil {
		ev = transport.EventConnected
		t.log.Info("serial port open",
			zap.String("port", t.cfg.Port), zap.Int("baud", t.cfg.BaudRate))
	}
	if handler != nil {
		handler(t, ev)
	}
}

// run reads from port until it fails, then reopens the device until ctx
// is done.
func (t *Transport) run(ctx context.Context, port io.ReadWriteCloser, done chan struct{}) {
	defer close(done)

	for {
		err := t.read(ctx, port)
		if ctx.Err() != nil {
			return
		}
		_ = port.Close()
		if errors.Is(err, io.EOF) {
			t.log.Warn("serial port closed by peer")
		} else {
			t.log.Error("serial port failed", zap.Error(err))
		}
		t.setPort(nil)

		if t.cfg.ReopenDelay < 0 {
			return
		}
		port = t.reopen(ctx)
		if port == nil {
			return
		}
		t.frames = codec.Splitter{}
		t.setPort(port)
	}
}

// reopen retries opening the device every ReopenDelay. It returns nil once
// ctx is done.
func (t *Transport) reopen(ctx context.Context) io.ReadWriteCloser {
	for {
		timer := time.NewTimer(t.cfg.ReopenDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		port, err := t.open(t.cfg.Port, &serial.Mode{BaudRate: t.cfg.BaudRate})
		if err != nil {
			t.log.Debug("serial reopen failed", zap.String("port", t.cfg.Port), zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			_ = port.Close()
			return nil
		}
		return port
	}
}

func (t *Transport) read(ctx context.Context, port io.Reader) error {
	buf := make([]byte, readBufSize)
	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if n > 0 {
			t.processFrames(buf[:n])
		}
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Stop closes the port and waits for the read goroutine to exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	cancel, done, port := t.cancel, t.done, t.port
	t.cancel, t.done, t.port = nil, nil, nil
	handler := t.onState
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	var err error
	if port != nil {
		err = port.Close()
	}
	<-done

	if port != nil && handler != nil {
		handler(t, transport.EventDisconnected)
	}
	return err
}

// IsConnected returns true while a port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.port != nil
}

// SetMessageHandler sets the callback for inbound mesh messages.
func (t *Transport) SetMessageHandler(fn transport.MessageHandler) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// SetStateHandler sets the callback for connect and disconnect events.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// Broadcast frames data and writes it to the port.
func (t *Transport) Broadcast(data []byte) error {
	t.mu.RLock()
	port := t.port
	t.mu.RUnlock()
	if port == nil {
		return transport.ErrNotConnected
	}

	frame, err := codec.EncodeFrame(data)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// processFrames feeds stream bytes to the splitter and hands every complete
// payload to the message handler.
func (t *Transport) processFrames(data []byte) {
	before := t.frames.Dropped
	payloads := t.frames.Write(data)
	if bad := t.frames.Dropped - before; bad > 0 {
		t.log.Debug("discarded corrupt frames", zap.Int("frames", bad))
	}
	if len(payloads) == 0 {
		return
	}

	t.mu.RLock()
	handler := t.onMessage
	t.mu.RUnlock()
	if handler == nil {
		return
	}
	for _, p := range payloads {
		handler(p, transport.Source{Substrate: t.Name()})
	}
}
