// Package obss implements the observation system.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package obss

import (
	"time"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/cmn/xlog"
	"github.com/salmingo/gtoaesv2/proto/gwac"
	"github.com/salmingo/gtoaesv2/proto/kv"
	"github.com/salmingo/gtoaesv2/transport"
)

// onMountState applies a reported mount state. The transition into
// TRACKING is the one the plan driver steers by: arriving there out of
// GUIDING closes a guide loop, arriving there any other way means the
// pointing settled and the cameras may start. The first state reported
// after a couple (prior state unknown) is not treated as an arrival.
func (s *System) onMountState(p1, _ any) {
	state := p1.(int)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyMountStateLocked(state)
}

func (s *System) applyMountStateLocked(state int) {
	if state == s.mountInfo.State {
		return
	}
	if state < 0 || state >= int(cmn.MountStateCount) {
		xlog.Warnf("Mount<%s:%s> received undefined state [%d]", s.gid, s.uid, state)
		return
	}
	old := s.mountInfo.State
	xlog.Infof("Mount<%s:%s> state is %s", s.gid, s.uid, cmn.MountState(state))

	if state == int(cmn.MountTracking) && old != stateUnknown {
		xlog.Infof("Mount<%s:%s> arrived at <%.4f, %.4f>[degree]",
			s.gid, s.uid, s.mountInfo.RA, s.mountInfo.Dec)
		if s.plan != nil {
			if old == int(cmn.MountGuiding) {
				rec := kv.Guide{Base: kv.Base{Type: kv.TypeGuide, Gid: s.gid, UID: s.uid}}
				s.write2cameraLocked(rec.String(), "")
			} else {
				s.expose2cameraLocked(cmn.ExpStart, 0, "")
			}
		}
	}
	s.mountInfo.State = state
	s.mountInfo.StampUTC()
}

// onMountPos updates the pointing; every 200th sample the mount's
// clock is compared against ours.
func (s *System) onMountPos(p1, _ any) {
	pos := p1.(*gwac.Position)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mountInfo.RA, s.mountInfo.Dec = pos.RA, pos.Dec
	if s.posCount%cmn.MountPosSample == 0 {
		if utc, err := time.ParseInLocation(cmn.TimeLayout, pos.UTC, time.UTC); err == nil {
			bias := int64(utc.Sub(time.Now().UTC()).Seconds())
			if bias >= cmn.ClockSkewWarnSec || bias <= -cmn.ClockSkewWarnSec {
				which := "slower"
				if bias > 0 {
					which = "faster"
				}
				xlog.Warnf("Mount<%s:%s> clock is %s for %d seconds", s.gid, s.uid, which, bias)
			}
		}
	}
	s.posCount++
}

// onFocusPos applies one focus-channel sample. A position that holds
// for three consecutive samples while the channel is not idle settles
// the move: the sub-state returns to idle and the final position is
// echoed to the camera.
func (s *System) onFocusPos(p1, p2 any) {
	cid := p1.(string)
	pos := p2.(int)
	if pos == gwac.PosInvalid {
		return // channel absent from the frame
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cam := s.findCamLocked(cid)
	if cam == nil {
		return
	}
	old := cam.focState
	if pos != cam.focPos {
		cam.focPos = pos
		cam.repeat = 0
		cam.focUTC = time.Now().UTC().Format(cmn.TimeLayout)
		if cam.focState == cmn.FocusUnknown {
			cam.focTar = pos
		}
	} else if cam.focState != cmn.FocusIdle {
		cam.repeat++
		if cam.repeat >= 3 {
			if cam.focState == cmn.FocusMoving && pos != cam.focTar {
				xlog.Warnf("Focus<%s:%s:%s> position<%d> differs from target<%d>",
					s.gid, s.uid, cid, pos, cam.focTar)
			}
			cam.focState = cmn.FocusIdle
			rec := kv.Focus{
				Base:   kv.Base{Type: kv.TypeFocus, Gid: s.gid, UID: s.uid, Cid: cid},
				Pos:    pos,
				PosTar: cam.focTar,
			}
			if cam.conn != nil {
				_ = cam.conn.Write(rec.String())
			}
		}
	}
	if old != cam.focState {
		xlog.Infof("Focus<%s:%s:%s> position is %d", s.gid, s.uid, cid, pos)
	}
}

// onResponse pops the acknowledged command from the retransmission
// queue.
func (s *System) onResponse(p1, _ any) {
	s.queue.pop(p1.(int))
}

// ingestMountLocked applies a GFT mount status record: the telemetry
// fields land directly, the state runs through the transition rules.
func (s *System) ingestMountLocked(rec *kv.Mount) {
	state := rec.State
	keepState, objRA, objDec := s.mountInfo.State, s.mountInfo.ObjRA, s.mountInfo.ObjDec

	s.mountInfo = *rec
	s.mountInfo.Gid, s.mountInfo.UID = s.gid, s.uid
	s.mountInfo.State = keepState
	s.mountInfo.ObjRA, s.mountInfo.ObjDec = objRA, objDec

	s.applyMountStateLocked(state)
}

// ingestCameraLocked applies a camera status record and drives the
// exposure bookkeeping the plan lifecycle hangs off.
func (s *System) ingestCameraLocked(c *transport.Conn, rec *kv.Camera) {
	cam := s.findCamByConnLocked(c)
	if cam == nil {
		return
	}
	oldState := cam.info.State
	cid := cam.info.Cid
	cam.info = *rec
	cam.info.Gid, cam.info.UID, cam.info.Cid = s.gid, s.uid, cid

	newState := rec.State
	if newState == oldState {
		return
	}
	oldBusy := cmn.CamctlState(oldState).Busy()
	newBusy := cmn.CamctlState(newState).Busy()
	switch {
	case oldBusy && !newBusy:
		if oldState == int(cmn.CamctlWaitFlat) && s.waitflat > 0 {
			s.waitflat--
		}
		if s.exposing > 0 {
			s.exposing--
		}
		if s.exposing == 0 && s.plan != nil {
			xlog.Infof("plan<%s> is over", s.plan.PlanSN)
			s.plan = nil
			s.finishPlanLocked(cmn.PlanOver)
		}
	case !oldBusy && newBusy:
		s.exposing++
		if newState == int(cmn.CamctlWaitFlat) {
			s.enterWaitFlatLocked()
		}
	case newState == int(cmn.CamctlWaitFlat):
		s.enterWaitFlatLocked()
	case oldState == int(cmn.CamctlWaitFlat):
		if s.waitflat > 0 {
			s.waitflat--
		}
	}
}

// enterWaitFlatLocked counts a camera into the flat wait; when every
// exposing camera is waiting, the unit re-points.
func (s *System) enterWaitFlatLocked() {
	s.waitflat++
	if s.exposing == s.waitflat {
		s.bus.Post(msgFlatReslew, nil, nil)
	}
}

// onFlatReslew re-points the mount at the flat target so twilight
// flats keep tracking the sky.
func (s *System) onFlatReslew(_, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil || s.mount == nil {
		return
	}
	xlog.Infof("OBSS<%s:%s> re-slews for flat fields", s.gid, s.uid)
	s.slewLocked(s.plan.RA, s.plan.Dec)
}
