// Package transport provides the byte-buffered socket layer: TCP
// listeners, newline-framed connections, and the connection pools the
// dispatcher routes over.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"

	"github.com/salmingo/gtoaesv2/cmn"
)

// ErrFrameTooLong reports a line that overflowed the frame buffer; the
// link is closed unconditionally.
var ErrFrameTooLong = errors.New("frame exceeds buffer")

type (
	// Receiver consumes a connection's events. A non-nil err is final:
	// the read loop has ended and no further frames follow. Receivers
	// only enqueue; they never block in user logic.
	Receiver func(c *Conn, frame string, err error)

	// Conn is one framed TCP connection. The receiver is swappable so
	// that link ownership can move from the dispatcher into an
	// observation system without tearing the socket down.
	Conn struct {
		id   string
		nc   net.Conn
		peer int

		recv atomic.Pointer[Receiver]

		wmu    sync.Mutex
		closed atomic.Bool
	}
)

func NewConn(nc net.Conn, peer int, recv Receiver) *Conn {
	id, err := shortid.Generate()
	if err != nil {
		id = nc.RemoteAddr().String()
	}
	c := &Conn{id: id, nc: nc, peer: peer}
	c.recv.Store(&recv)
	return c
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Peer() int    { return c.peer }
func (c *Conn) Remote() string {
	return c.nc.RemoteAddr().String()
}

// SetReceiver re-points the event stream; used when an observation
// system takes ownership of a device link.
func (c *Conn) SetReceiver(recv Receiver) {
	c.recv.Store(&recv)
}

// Write sends one frame; serialized so broadcast and command traffic
// never interleave mid-frame.
func (c *Conn) Write(data string) error {
	if c.closed.Load() {
		return errors.Errorf("conn %s: closed", c.id)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write([]byte(data))
	return err
}

// Close shuts the socket down; the read loop delivers the final event.
func (c *Conn) Close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.nc.Close()
	}
}

// Serve reads frames until the connection dies, handing each to the
// current receiver in arrival order. The accept loop runs it; tests
// drive piped connections through it directly.
func (c *Conn) Serve() {
	rd := bufio.NewReaderSize(c.nc, cmn.MaxFrameSize)
	for {
		// ReadSlice, not ReadString: a line that overflows the buffer
		// must fail the frame, not grow it
		line, err := rd.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				err = ErrFrameTooLong
			}
			(*c.recv.Load())(c, "", err)
			return
		}
		(*c.recv.Load())(c, string(line), nil)
	}
}
