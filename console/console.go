// Package console tails the UART of a board while it is being flashed.
package console

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JoshuaDoes/crunchio"
	"go.bug.st/serial"
)

const (
	DefaultBaud = 115200
	lineQueue   = 256
)

// Console reads lines from a serial port in the background.
type Console struct {
	rw   io.ReadWriteCloser
	name string

	log   *crunchio.Buffer //Everything received, newline separated
	lines chan *Line
	done  chan struct{}

	mutex  sync.Mutex
	closed bool
	err    error
}

// Open claims a serial port at baud, an empty name picks the first known adapter.
func Open(name string, baud int) (*Console, error) {
	if name == "" {
		port, err := FindAdapter()
		if err != nil {
			return nil, err
		}
		name = port.Name
	}
	if baud <= 0 {
		baud = DefaultBaud
	}

	port, err := serial.Open(name, &serial.Mode{BaudRate: baud, Parity: serial.NoParity, DataBits: 8, StopBits: serial.OneStopBit})
	if err != nil {
		return nil, fmt.Errorf("console: failed to claim '%s': %v", name, err)
	}
	//Lets Close interrupt the reader
	if err := port.SetReadTimeout(time.Millisecond * 200); err != nil {
		port.Close()
		return nil, fmt.Errorf("console: '%s': %v", name, err)
	}
	return New(name, port), nil
}

// New starts reading lines from rw.
func New(name string, rw io.ReadWriteCloser) *Console {
	c := &Console{
		rw:    rw,
		name:  name,
		log:   crunchio.NewBuffer(name, nil),
		lines: make(chan *Line, lineQueue),
		done:  make(chan struct{}),
	}
	c.log.SetStream(true) //Reads wait for data instead of returning EOF
	go c.readThread()
	return c
}

// portReader retries reads that timed out without data until the console is closed.
type portReader struct {
	c *Console
}

func (r portReader) Read(p []byte) (int, error) {
	for {
		n, err := r.c.rw.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		if r.c.Closed() {
			return 0, io.EOF
		}
	}
}

func (c *Console) readThread() {
	defer close(c.lines)

	scanner := bufio.NewScanner(portReader{c})
	scanner.Split(ScanLines)
	for scanner.Scan() {
		raw := scanner.Text()

		c.mutex.Lock()
		_, err := c.log.Write([]byte(raw + "\n"))
		c.mutex.Unlock()
		if err != nil {
			c.fail(err)
			return
		}

		line := ParseLine(raw)
		if line == nil {
			continue
		}
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !c.Closed() {
		c.fail(err)
	}
}

func (c *Console) fail(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("console: %s: %w", c.name, err)
	}
}

// Lines delivers parsed lines, it is closed once the port is.
func (c *Console) Lines() <-chan *Line {
	return c.lines
}

// Log returns everything received so far.
func (c *Console) Log() []byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]byte(nil), c.log.Bytes()...)
}

// Write sends p to the board, followed by a drain when rw is a serial port.
func (c *Console) Write(p []byte) (int, error) {
	if c.Closed() {
		return 0, fmt.Errorf("console: closed")
	}
	n, err := c.rw.Write(p)
	if err != nil {
		return n, err
	}
	if port, ok := c.rw.(serial.Port); ok {
		if err := port.Drain(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Err is the error that stopped the reader, if any.
func (c *Console) Err() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.err
}

func (c *Console) Name() string {
	return c.name
}

func (c *Console) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.rw.Close()
}

func (c *Console) Closed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}
