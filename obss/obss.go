// Package obss implements the observation system: the per-(gid, uid)
// aggregate of one mount link, one focuser channel, and N cameras,
// together with the state machine that drives an observation plan end
// to end. All mutation funnels through the system's message bus; the
// dispatcher and the periodic workers only enqueue.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package obss

import (
	"strings"
	"sync"
	"time"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/cmn/xlog"
	"github.com/salmingo/gtoaesv2/msgbus"
	"github.com/salmingo/gtoaesv2/proto/gwac"
	"github.com/salmingo/gtoaesv2/proto/kv"
	"github.com/salmingo/gtoaesv2/stats"
	"github.com/salmingo/gtoaesv2/transport"
)

// mount state sentinel between couple and the first status report
const stateUnknown = -1

// Bus message ids.
const (
	msgLinkFrame = msgbus.MsgUser + iota // frame from an owned device link
	msgLinkClosed                        // owned device link died
	msgCoupleMount
	msgDecoupleMount
	msgCoupleFocus
	msgDecoupleFocus
	msgCoupleCamera
	msgMountState
	msgMountPos
	msgFocusPos
	msgResponse
	msgNotifyPlan
	msgRemovePlan
	msgAbort
	msgSlewto
	msgPark
	msgFindHome
	msgHomeSync
	msgTrack
	msgTrackVel
	msgGuide
	msgTakeImage
	msgFocus
	msgFocusSync
	msgFWHM
	msgPlanCheck
	msgFlatReslew
)

type (
	// PlanCallback receives every plan-status transition for client
	// fan-out.
	PlanCallback func(*kv.PlanStatus)

	// cameraInfo is one camera slot: the link, the cached status
	// record, and the focus / derotator sub-state.
	cameraInfo struct {
		conn   *transport.Conn
		info   kv.Camera
		camset kv.CamSet

		focUTC   string
		focState int // cmn.FocusUnknown / FocusIdle / FocusMoving
		focPos   int
		focTar   int
		repeat   int
		fwhm     float64

		derotEnabled bool
		derotUTC     string
		derotState   int
		derotPos     float64
		derotTar     float64
	}

	// CameraSnapshot is the broadcaster's read-only view of one camera.
	CameraSnapshot struct {
		Info       kv.Camera
		FocusKnown bool
		Focus      kv.Focus
		DerotOn    bool
		Derot      kv.Derot
	}

	// System is one observation system.
	System struct {
		gid string
		uid string
		typ int // cmn.ObssGWAC or cmn.ObssGFT

		bus   *msgbus.Bus
		coder gwac.Coder

		mu         sync.RWMutex
		mount      *transport.Conn
		focus      *transport.Conn
		cams       []*cameraInfo
		mountInfo  kv.Mount
		posCount   int
		plan       *kv.AppendPlan
		manual     bool // current plan came from take_image
		planStatus kv.PlanStatus
		deadline   time.Time
		camonline  int
		exposing   int
		waitflat   int
		lastClosed time.Time

		oldDay int // take_image serial day
		planSN int // take_image serial within the day

		queue     retransQueue
		planCh    chan struct{}
		retransCh chan struct{}
		stopCh    chan struct{}
		wg        sync.WaitGroup

		cbPlan PlanCallback
	}
)

// New creates a stopped observation system.
func New(gid, uid string, typ int, cb PlanCallback) *System {
	s := &System{
		gid:        gid,
		uid:        uid,
		typ:        typ,
		bus:        msgbus.New("obss_" + gid + "_" + uid),
		coder:      gwac.Coder{Gid: gid, UID: uid, SN: &gwac.Serial{}},
		planCh:     make(chan struct{}, 1),
		retransCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		cbPlan:     cb,
		lastClosed: time.Now().UTC(),
	}
	s.mountInfo = kv.Mount{
		Base:   kv.Base{Type: kv.TypeMount, Gid: gid, UID: uid},
		State:  int(cmn.MountError),
		ObjRA:  1000,
		ObjDec: 1000,
	}
	s.planStatus = kv.PlanStatus{Base: kv.Base{Type: kv.TypePlan, Gid: gid, UID: uid}}
	return s
}

// Start launches the bus and the workers.
func (s *System) Start() error {
	if s.gid == "" || s.uid == "" {
		return errEmptyID(s.gid, s.uid)
	}
	s.register()
	if err := s.bus.Start(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.planLoop()
	if s.typ == cmn.ObssGWAC {
		s.wg.Add(1)
		go s.retransLoop()
	}
	return nil
}

// Stop halts the workers first, then the bus, then the owned links;
// an undone plan is abandoned.
func (s *System) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.bus.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan != nil {
		s.plan = nil
		s.finishPlanLocked(cmn.PlanAbandoned)
	}
	for _, cam := range s.cams {
		if cam.conn != nil {
			cam.conn.Close()
			cam.conn = nil
		}
	}
	if s.typ == cmn.ObssGFT && s.mount != nil {
		s.mount.Close()
	}
	s.mount, s.focus = nil, nil
}

func (s *System) register() {
	handlers := map[int]msgbus.Handler{
		msgLinkFrame:     s.onLinkFrame,
		msgLinkClosed:    s.onLinkClosed,
		msgCoupleMount:   s.onCoupleMount,
		msgDecoupleMount: s.onDecoupleMount,
		msgCoupleFocus:   s.onCoupleFocus,
		msgDecoupleFocus: s.onDecoupleFocus,
		msgCoupleCamera:  s.onCoupleCamera,
		msgMountState:    s.onMountState,
		msgMountPos:      s.onMountPos,
		msgFocusPos:      s.onFocusPos,
		msgResponse:      s.onResponse,
		msgNotifyPlan:    s.onNotifyPlan,
		msgRemovePlan:    s.onRemovePlan,
		msgAbort:         s.onAbort,
		msgSlewto:        s.onSlewto,
		msgPark:          s.onPark,
		msgFindHome:      s.onFindHome,
		msgHomeSync:      s.onHomeSync,
		msgTrack:         s.onTrack,
		msgTrackVel:      s.onTrackVel,
		msgGuide:         s.onGuide,
		msgTakeImage:     s.onTakeImage,
		msgFocus:         s.onFocus,
		msgFocusSync:     s.onFocusSync,
		msgFWHM:          s.onFWHM,
		msgPlanCheck:     s.onPlanCheck,
		msgFlatReslew:    s.onFlatReslew,
	}
	for id, h := range handlers {
		_ = s.bus.Register(id, h)
	}
}

func (s *System) Gid() string { return s.gid }
func (s *System) UID() string { return s.uid }
func (s *System) Type() int   { return s.typ }

// IsMatched implements the empty-propagation addressing rule: both ids
// empty matches all; an empty uid matches the whole group; otherwise
// both must match. A matching uid under a different gid never matches.
func (s *System) IsMatched(gid, uid string) bool {
	return (gid == "" && uid == "") ||
		(uid == "" && strings.EqualFold(gid, s.gid)) ||
		(strings.EqualFold(gid, s.gid) && strings.EqualFold(uid, s.uid))
}

// LastClosed returns seconds since the last device link dropped, or 0
// while any link is up.
func (s *System) LastClosed(now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mount != nil || s.focus != nil {
		return 0
	}
	for _, cam := range s.cams {
		if cam.conn != nil {
			return 0
		}
	}
	return int(now.Sub(s.lastClosed).Seconds())
}

// Snapshot returns the broadcaster's view: the mount record plus one
// snapshot per camera.
func (s *System) Snapshot() (kv.Mount, []CameraSnapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CameraSnapshot, 0, len(s.cams))
	for _, cam := range s.cams {
		snap := CameraSnapshot{Info: cam.info}
		if cam.focPos != kv.PosInvalid {
			snap.FocusKnown = true
			snap.Focus = kv.Focus{
				Base:   kv.Base{Type: kv.TypeFocus, UTC: cam.focUTC, Gid: s.gid, UID: s.uid, Cid: cam.info.Cid},
				State:  focusWireState(cam.focState),
				Pos:    cam.focPos,
				PosTar: cam.focTar,
			}
		}
		if cam.derotEnabled {
			snap.DerotOn = true
			snap.Derot = kv.Derot{
				Base:   kv.Base{Type: kv.TypeDerot, UTC: cam.derotUTC, Gid: s.gid, UID: s.uid, Cid: cam.info.Cid},
				State:  cam.derotState,
				Pos:    cam.derotPos,
				PosTar: cam.derotTar,
			}
		}
		out = append(out, snap)
	}
	return s.mountInfo, out
}

// CheckPlan returns the plan-status record when the serial matches.
func (s *System) CheckPlan(planSN string) *kv.PlanStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if strings.EqualFold(s.planStatus.PlanSN, planSN) && s.planStatus.PlanSN != "" {
		ps := s.planStatus
		return &ps
	}
	return nil
}

// RemovePlan interrupts and drops the plan when the serial matches.
// The device-side teardown runs on the bus; the match answer is
// immediate so the dispatcher can stop its fan-out at the first hit.
func (s *System) RemovePlan(planSN string) bool {
	s.mu.RLock()
	matched := strings.EqualFold(s.planStatus.PlanSN, planSN) && s.planStatus.PlanSN != ""
	s.mu.RUnlock()
	if matched {
		s.bus.Post(msgRemovePlan, planSN, nil)
	}
	return matched
}

////////////////////////////////////
// enqueue-only public interface  //
////////////////////////////////////

func (s *System) CoupleMount(c *transport.Conn)   { s.bus.Post(msgCoupleMount, c, nil) }
func (s *System) DecoupleMount(c *transport.Conn) { s.bus.Post(msgDecoupleMount, c, nil) }
func (s *System) CoupleFocus(c *transport.Conn)   { s.bus.Post(msgCoupleFocus, c, nil) }
func (s *System) DecoupleFocus(c *transport.Conn) { s.bus.Post(msgDecoupleFocus, c, nil) }
func (s *System) CoupleCamera(c *transport.Conn, cid string) {
	s.bus.Post(msgCoupleCamera, c, cid)
}

func (s *System) NotifyMountState(state int)             { s.bus.Post(msgMountState, state, nil) }
func (s *System) NotifyMountPosition(pos *gwac.Position) { s.bus.Post(msgMountPos, pos, nil) }
func (s *System) NotifyFocus(cid string, pos int)        { s.bus.Post(msgFocusPos, cid, pos) }
func (s *System) NotifyResponse(serial int)              { s.bus.Post(msgResponse, serial, nil) }

func (s *System) NotifyPlan(plan *kv.AppendPlan) { s.bus.Post(msgNotifyPlan, plan, nil) }
func (s *System) Abort()                         { s.bus.Post(msgAbort, nil, nil) }
func (s *System) Slewto(req *kv.Slewto)          { s.bus.Post(msgSlewto, req, nil) }
func (s *System) Park()                          { s.bus.Post(msgPark, nil, nil) }
func (s *System) FindHome()                      { s.bus.Post(msgFindHome, nil, nil) }
func (s *System) HomeSync(req *kv.Sync)          { s.bus.Post(msgHomeSync, req, nil) }
func (s *System) Track()                         { s.bus.Post(msgTrack, nil, nil) }
func (s *System) TrackVel(req *kv.TrackVel)      { s.bus.Post(msgTrackVel, req, nil) }
func (s *System) Guide(req *kv.Guide)            { s.bus.Post(msgGuide, req, nil) }
func (s *System) TakeImage(req *kv.AppendPlan)   { s.bus.Post(msgTakeImage, req, nil) }
func (s *System) Focus(req *kv.Focus)            { s.bus.Post(msgFocus, req, nil) }
func (s *System) FocusSync(req *kv.FocusSync)    { s.bus.Post(msgFocusSync, req, nil) }
func (s *System) NotifyFWHM(req *kv.FWHM)        { s.bus.Post(msgFWHM, req, nil) }

//////////////
// helpers  //
//////////////

// ownRecv is the receiver installed on links this system owns
// (cameras, GFT mount); it only enqueues.
func (s *System) ownRecv() transport.Receiver {
	return func(c *transport.Conn, frame string, err error) {
		if err != nil {
			s.bus.Post(msgLinkClosed, c, err)
			return
		}
		s.bus.Post(msgLinkFrame, c, frame)
	}
}

func (s *System) findCamLocked(cid string) *cameraInfo {
	for _, cam := range s.cams {
		if strings.EqualFold(cam.info.Cid, cid) {
			return cam
		}
	}
	return nil
}

func (s *System) findCamByConnLocked(c *transport.Conn) *cameraInfo {
	for _, cam := range s.cams {
		if cam.conn == c {
			return cam
		}
	}
	return nil
}

// write2cameraLocked sends one frame to the addressed camera, or to every
// online camera when cid is empty.
func (s *System) write2cameraLocked(data, cid string) {
	for _, cam := range s.cams {
		if cam.conn == nil {
			continue
		}
		if cid == "" {
			_ = cam.conn.Write(data)
			continue
		}
		if strings.EqualFold(cam.info.Cid, cid) {
			_ = cam.conn.Write(data)
			return
		}
	}
}

// expose2cameraLocked issues the low-level exposure command.
func (s *System) expose2cameraLocked(command, frmno int, cid string) {
	rec := kv.Expose{
		Base:    kv.Base{Type: kv.TypeExpose, Gid: s.gid, UID: s.uid},
		Command: command,
		FrmNo:   frmno,
	}
	s.write2cameraLocked(rec.String(), cid)
	stats.CommandsOut.WithLabelValues("camera").Inc()
}

// sendMountLocked writes a command to the mount: positional with
// retransmission for GWAC, key/value for GFT.
func (s *System) sendMountLocked(gwacCmd func() (string, int), kvRec kv.Record) {
	if s.mount == nil {
		return
	}
	if s.typ == cmn.ObssGWAC {
		data, sn := gwacCmd()
		// queue ahead of the write so an instant response still finds it
		s.queue.push(sn, devMount, data)
		_ = s.mount.Write(data)
		s.kickRetrans()
	} else if kvRec != nil {
		_ = s.mount.Write(kvRec.String())
	}
	stats.CommandsOut.WithLabelValues("mount").Inc()
}

// sendFocusLocked writes a positional command to the focuser with
// retransmission.
func (s *System) sendFocusLocked(data string, sn int) {
	if s.focus == nil {
		return
	}
	s.queue.push(sn, devFocus, data)
	_ = s.focus.Write(data)
	s.kickRetrans()
	stats.CommandsOut.WithLabelValues("focus").Inc()
}

func (s *System) kickRetrans() {
	select {
	case s.retransCh <- struct{}{}:
	default:
	}
}

func (s *System) kickPlan() {
	select {
	case s.planCh <- struct{}{}:
	default:
	}
}

// focusWireState maps the internal focus sub-state to the wire values
// (0 still, 1 positioning).
func focusWireState(st int) int {
	if st == cmn.FocusMoving {
		return 1
	}
	return 0
}

func errEmptyID(gid, uid string) error {
	xlog.Faultf("failed to create observation system <%s:%s>", gid, uid)
	return errInvalidID
}
