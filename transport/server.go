// Package transport provides the byte-buffered socket layer.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type (
	// AcceptCB runs once per accepted connection, before the first
	// frame is read.
	AcceptCB func(c *Conn)

	// Server is one listening port serving one peer class.
	Server struct {
		ln       net.Listener
		peer     int
		onAccept AcceptCB
		recv     Receiver
		wg       sync.WaitGroup
		stopped  atomic.Bool
	}
)

// Listen binds the port and starts accepting. Every accepted socket
// gets keep-alive, the class-wide initial receiver, and its own read
// loop.
func Listen(port, peer int, onAccept AcceptCB, recv Receiver) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen :%d", port)
	}
	s := &Server{ln: ln, peer: peer, onAccept: onAccept, recv: recv}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return // listener closed
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(30 * time.Second)
		}
		c := NewConn(nc, s.peer, s.recv)
		s.onAccept(c)
		go c.Serve()
	}
}

// Stop closes the listener; established connections are owned by the
// pools and closed there.
func (s *Server) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		_ = s.ln.Close()
		s.wg.Wait()
	}
}
