// Package atmodem drives a LoRaWAN modem that speaks the RUI3 AT command
// set (RAK3172 and compatibles) over a serial port.
package atmodem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/lorawan-server/lorawan-node/internal/clock"
	"github.com/lorawan-server/lorawan-node/internal/session"
)

const (
	defaultBaudRate        = 115200
	defaultResponseTimeout = 5 * time.Second
	eventBuffer            = 32
)

// ErrClosed is returned for commands issued after Close
var ErrClosed = errors.New("modem closed")

type command struct {
	text     string
	response chan commandResponse
}

type commandResponse struct {
	lines []string
	err   error
}

// Modem is a session.Session backed by an AT command modem. Unsolicited
// +EVT lines are queued by a reader goroutine and applied to the session
// state by Process, while a blocking call waits, or on the next state read.
type Modem struct {
	port     io.ReadWriteCloser
	clk      clock.Clock
	timeout  time.Duration
	commands chan command
	events   chan event
	done     chan struct{}
	once     sync.Once

	state
}

// Open opens the serial device named in cfg and starts the modem loop
func Open(cfg session.RadioConfig, clk clock.Clock) (*Modem, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	return New(port, clk, cfg.ResponseTimeout), nil
}

// New starts a modem on an already open port
func New(port io.ReadWriteCloser, clk clock.Clock, responseTimeout time.Duration) *Modem {
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}
	m := &Modem{
		port:     port,
		clk:      clk,
		timeout:  responseTimeout,
		commands: make(chan command),
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// Close stops the modem loop and closes the port
func (m *Modem) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		err = m.port.Close()
	})
	return err
}

// exec sends one AT command and returns the lines received before the
// final result code.
func (m *Modem) exec(text string) ([]string, error) {
	resp := make(chan commandResponse, 1)
	select {
	case m.commands <- command{text: text, response: resp}:
	case <-m.done:
		return nil, ErrClosed
	}
	select {
	case r := <-resp:
		return r.lines, r.err
	case <-m.done:
		return nil, ErrClosed
	}
}

// query runs a "?" command and returns the value after the last '='
func (m *Modem) query(name string) (string, error) {
	lines, err := m.exec(name + "=?")
	if err != nil {
		return "", err
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line == "" {
			continue
		}
		if idx := strings.LastIndex(line, "="); idx >= 0 {
			return line[idx+1:], nil
		}
		return line, nil
	}
	return "", fmt.Errorf("%s: empty response", name)
}

func (m *Modem) run() {
	reader := bufio.NewReader(m.port)

	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				readErr <- err
				return
			}
			lines <- strings.TrimRight(line, "\r\n")
		}
	}()

	var (
		current   *command
		collected []string
		timeout   <-chan time.Time
		broken    error
	)
	finish := func(err error) {
		if current != nil {
			current.response <- commandResponse{lines: collected, err: err}
		}
		current = nil
		collected = nil
		timeout = nil
	}

	for {
		// accept a new command only when none is outstanding
		var commands chan command
		if current == nil {
			commands = m.commands
		}

		select {
		case cmd := <-commands:
			if broken != nil {
				cmd.response <- commandResponse{err: broken}
				continue
			}
			log.Debug().Str("cmd", cmd.text).Msg("AT TX")
			if _, err := m.port.Write([]byte(cmd.text + "\r\n")); err != nil {
				cmd.response <- commandResponse{err: fmt.Errorf("write %s: %w", cmd.text, err)}
				continue
			}
			current = &cmd
			timeout = time.After(m.timeout)

		case line := <-lines:
			if line == "" {
				continue
			}
			log.Debug().Str("line", line).Msg("AT RX")

			if ev, ok := parseEvent(line); ok {
				select {
				case m.events <- ev:
				default:
					log.Warn().Str("line", line).Msg("Modem event queue full, dropping event")
				}
				continue
			}
			if current == nil {
				log.Debug().Str("line", line).Msg("Ignoring unsolicited modem output")
				continue
			}
			if done, err := resultCode(line); done {
				finish(err)
				continue
			}
			collected = append(collected, line)

		case <-timeout:
			finish(fmt.Errorf("%s: no response after %s", current.text, m.timeout))

		case err := <-readErr:
			broken = fmt.Errorf("read: %w", err)
			finish(broken)
			select {
			case <-m.done:
				return
			default:
				log.Error().Err(err).Msg("Modem read failed")
			}

		case <-m.done:
			return
		}
	}
}

// resultCode classifies a final result line. done is false for
// intermediate lines such as echoed query values.
func resultCode(line string) (done bool, err error) {
	switch {
	case line == "OK":
		return true, nil
	case line == "AT_BUSY_ERROR":
		return true, session.ErrBusy
	case line == "AT_NO_NETWORK_JOINED":
		return true, session.ErrNotJoined
	case strings.HasPrefix(line, "AT_") && strings.HasSuffix(line, "ERROR"):
		return true, fmt.Errorf("%w: %s", session.ErrRejected, line)
	}
	return false, nil
}
