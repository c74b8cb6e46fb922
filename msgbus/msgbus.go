// Package msgbus implements the per-owner message queue: a bounded FIFO
// drained by exactly one consumer, with a handler table keyed by message
// id. Every component that mutates cross-method state owns one bus and
// funnels all work through it.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package msgbus

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/salmingo/gtoaesv2/cmn"
)

// Reserved ids; user messages start at MsgUser.
const (
	msgQuit = iota
	MsgUser
)

type (
	// Handler runs on the bus's single consumer goroutine.
	Handler func(p1, p2 any)

	message struct {
		id     int
		p1, p2 any
	}

	// Bus is a two-priority FIFO. Post enqueues at normal priority;
	// Send enqueues at high priority and is used only for quit, so
	// shutdown can overtake a backlog.
	Bus struct {
		name     string
		handlers map[int]Handler
		normal   chan message
		urgent   chan message
		wg       sync.WaitGroup
		started  bool
	}
)

func New(name string) *Bus {
	return &Bus{
		name:     name,
		handlers: make(map[int]Handler, 8),
		normal:   make(chan message, cmn.BusDepth),
		urgent:   make(chan message, 16),
	}
}

// Register binds a handler to a message id. All registrations happen
// before Start; the table is never mutated afterwards.
func (b *Bus) Register(id int, h Handler) error {
	if b.started {
		return errors.Errorf("msgbus %s: register after start", b.name)
	}
	if id < MsgUser {
		return errors.Errorf("msgbus %s: reserved message id %d", b.name, id)
	}
	b.handlers[id] = h
	return nil
}

// Start launches the consumer goroutine.
func (b *Bus) Start() error {
	if b.started {
		return errors.Errorf("msgbus %s: already started", b.name)
	}
	b.started = true
	b.wg.Add(1)
	go b.loop()
	return nil
}

// Stop delivers the quit terminator at high priority and waits for the
// consumer to exit. Quit overtakes the normal queue: posts still queued
// when it arrives are not delivered.
func (b *Bus) Stop() {
	if !b.started {
		return
	}
	b.urgent <- message{id: msgQuit}
	b.wg.Wait()
	b.started = false
}

// Post enqueues at normal priority; blocks only when the queue is full.
func (b *Bus) Post(id int, p1, p2 any) {
	b.normal <- message{id, p1, p2}
}

// Send enqueues at high priority.
func (b *Bus) Send(id int, p1, p2 any) {
	b.urgent <- message{id, p1, p2}
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		// urgent overtakes normal; within a priority, FIFO
		var msg message
		select {
		case msg = <-b.urgent:
		default:
			select {
			case msg = <-b.urgent:
			case msg = <-b.normal:
			}
		}
		if msg.id == msgQuit {
			return
		}
		if h, ok := b.handlers[msg.id]; ok {
			h(msg.p1, msg.p2)
		}
	}
}
