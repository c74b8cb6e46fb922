// Package dispatch implements the general control layer: the six
// listening ports, connection triage, frame routing onto observation
// systems, the periodic client status broadcast, and the idle-system
// sweep.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package dispatch

import (
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/msgbus"
	"github.com/salmingo/gtoaesv2/obss"
	"github.com/salmingo/gtoaesv2/proto/kv"
	"github.com/salmingo/gtoaesv2/stats"
	"github.com/salmingo/gtoaesv2/transport"
)

// Bus message ids.
const (
	msgTCPFrame = msgbus.MsgUser + iota
	msgTCPClose
)

// GeneralControl owns the listeners, the two connection pools, and the
// observation-system registry.
type GeneralControl struct {
	cfg *cmn.Config
	bus *msgbus.Bus

	servers []*transport.Server
	cliPool transport.Pool // operator clients
	devPool transport.Pool // devices not yet owned by a system

	muObss  sync.Mutex
	systems []*obss.System

	stopCh  chan struct{}
	wg      sync.WaitGroup
	metrics *http.Server
}

func New(cfg *cmn.Config) *GeneralControl {
	return &GeneralControl{
		cfg:    cfg,
		bus:    msgbus.New("general"),
		stopCh: make(chan struct{}),
	}
}

// Start brings the service up: bus, the six listeners, the periodic
// workers, and the metrics endpoint. A failed bind fails the start.
func (gc *GeneralControl) Start() error {
	_ = gc.bus.Register(msgTCPFrame, gc.onTCPFrame)
	_ = gc.bus.Register(msgTCPClose, gc.onTCPClose)
	if err := gc.bus.Start(); err != nil {
		return err
	}

	ports := []struct {
		port int
		peer int
	}{
		{gc.cfg.Ports.Client, cmn.PeerClient},
		{gc.cfg.Ports.MountGWAC, cmn.PeerMountGWAC},
		{gc.cfg.Ports.CameraGWAC, cmn.PeerCameraGWAC},
		{gc.cfg.Ports.FocusGWAC, cmn.PeerFocus},
		{gc.cfg.Ports.MountGFT, cmn.PeerMountGFT},
		{gc.cfg.Ports.CameraGFT, cmn.PeerCameraGFT},
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, binding := range ports {
		binding := binding
		g.Go(func() error {
			srv, err := transport.Listen(binding.port, binding.peer, gc.accept, gc.recv)
			if err != nil {
				return err
			}
			mu.Lock()
			gc.servers = append(gc.servers, srv)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		gc.Stop()
		return err
	}

	gc.wg.Add(2)
	go gc.broadcastLoop()
	go gc.gcLoop()
	gc.metrics = stats.Serve(gc.cfg.MetricsAdr)
	return nil
}

// Stop tears the service down in reverse start order: periodic workers
// first, then listeners, the bus, the systems, and last the sockets.
func (gc *GeneralControl) Stop() {
	close(gc.stopCh)
	gc.wg.Wait()
	for _, srv := range gc.servers {
		srv.Stop()
	}
	gc.bus.Stop()

	gc.muObss.Lock()
	for _, sys := range gc.systems {
		sys.Stop()
	}
	gc.systems = nil
	gc.muObss.Unlock()
	stats.ObssLive.Set(0)

	gc.cliPool.Reset()
	gc.devPool.Reset()
	if gc.metrics != nil {
		_ = gc.metrics.Close()
	}
}

// accept pools a fresh connection by peer class.
func (gc *GeneralControl) accept(c *transport.Conn) {
	if c.Peer() == cmn.PeerClient {
		gc.cliPool.Push(c)
	} else {
		gc.devPool.Push(c)
	}
}

// recv is every pooled connection's receiver: enqueue only.
func (gc *GeneralControl) recv(c *transport.Conn, frame string, err error) {
	if err != nil {
		gc.bus.Post(msgTCPClose, c, err)
		return
	}
	gc.bus.Post(msgTCPFrame, c, frame)
}

// findObss returns the system owning (gid, uid), creating it on first
// contact.
func (gc *GeneralControl) findObss(gid, uid string, typ int) *obss.System {
	gc.muObss.Lock()
	defer gc.muObss.Unlock()
	for _, sys := range gc.systems {
		if strings.EqualFold(sys.Gid(), gid) && strings.EqualFold(sys.UID(), uid) {
			return sys
		}
	}
	sys := obss.New(gid, uid, typ, gc.planState)
	if err := sys.Start(); err != nil {
		return nil
	}
	gc.systems = append(gc.systems, sys)
	stats.ObssLive.Set(float64(len(gc.systems)))
	return sys
}

// matching returns the systems a client verb addresses.
func (gc *GeneralControl) matching(gid, uid string) []*obss.System {
	gc.muObss.Lock()
	defer gc.muObss.Unlock()
	out := make([]*obss.System, 0, len(gc.systems))
	for _, sys := range gc.systems {
		if sys.IsMatched(gid, uid) {
			out = append(out, sys)
		}
	}
	return out
}

// planState fans a plan-status transition out to every client.
func (gc *GeneralControl) planState(ps *kv.PlanStatus) {
	if gc.cliPool.Len() > 0 {
		gc.cliPool.Broadcast(ps.String())
	}
}
