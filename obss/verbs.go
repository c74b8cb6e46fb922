// Package obss implements the observation system.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package obss

import (
	"time"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/cmn/xlog"
	"github.com/salmingo/gtoaesv2/proto/kv"
)

// onNotifyPlan accepts a submitted plan. A running manual exposure is
// not preempted; anything else is aborted in favor of the new plan.
func (s *System) onNotifyPlan(p1, _ any) {
	plan := p1.(*kv.AppendPlan)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plan != nil && s.manual {
		xlog.Warnf("OBSS<%s:%s> rejects plan<%s>: manual exposure in flight",
			s.gid, s.uid, plan.PlanSN)
		return
	}
	xlog.Infof("new plan<%s:%s> %s", s.gid, s.uid, plan.PlanSN)
	if s.plan != nil {
		s.abortLocked()
	}
	s.plan = plan
	s.manual = false
	s.deadline = time.Time{}
	s.planStatus.PlanSN = plan.PlanSN
	s.planStatus.TmStart, s.planStatus.TmStop = "", ""
	s.setPlanStateLocked(cmn.PlanCataloged)
	s.kickPlan()
}

// onRemovePlan runs the device-side teardown of a matched removal.
func (s *System) onRemovePlan(p1, _ any) {
	planSN := p1.(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planStatus.PlanSN != planSN {
		return
	}
	xlog.Infof("plan<%s> is removed from OBSS<%s:%s>", planSN, s.gid, s.uid)
	s.abortDevicesLocked()
	if s.plan != nil {
		s.plan = nil
		s.finishPlanLocked(cmn.PlanDeleted)
	}
}

func (s *System) onAbort(_, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	xlog.Infof("Abort OBSS<%s:%s> current operations", s.gid, s.uid)
	s.abortLocked()
}

// abortLocked stops pointing and exposure, then interrupts the plan.
func (s *System) abortLocked() {
	s.abortDevicesLocked()
	if s.plan != nil {
		xlog.Infof("plan<%s> is aborted", s.plan.PlanSN)
		s.plan = nil
		s.finishPlanLocked(cmn.PlanInterrupted)
	}
}

// abortDevicesLocked issues the device-side stop commands only.
func (s *System) abortDevicesLocked() {
	if s.mount != nil {
		s.sendMountLocked(s.coder.AbortSlew,
			&kv.Abort{Base: kv.Base{Type: kv.TypeAbort, Gid: s.gid, UID: s.uid}})
		s.mountInfo.ObjRA, s.mountInfo.ObjDec = 1000, 1000
	}
	if s.exposing > 0 {
		s.expose2cameraLocked(cmn.ExpStop, 0, "")
	}
}

func (s *System) onSlewto(p1, _ any) {
	req := p1.(*kv.Slewto)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plan != nil {
		xlog.Warnf("plan<%s> in OBSS<%s:%s> rejects command slew",
			s.plan.PlanSN, s.gid, s.uid)
		return
	}
	if s.mount == nil {
		xlog.Warnf("Mount<%s:%s> off-line rejects command slew", s.gid, s.uid)
		return
	}
	if s.typ == cmn.ObssGWAC && req.CoorSys != cmn.CoorEqua {
		xlog.Warnf("Mount<%s:%s> supports equatorial slew only", s.gid, s.uid)
		return
	}
	xlog.Infof("Mount<%s:%s> points to <%.4f, %.4f>[degree]", s.gid, s.uid, req.RA, req.Dec)
	if s.typ == cmn.ObssGWAC {
		s.slewLocked(req.RA, req.Dec)
	} else {
		req.Gid, req.UID = s.gid, s.uid
		s.sendMountLocked(nil, req)
		s.mountInfo.ObjRA, s.mountInfo.ObjDec = req.RA, req.Dec
	}
}

// slewLocked issues an equatorial slew and records the target.
func (s *System) slewLocked(ra, dec float64) {
	s.sendMountLocked(func() (string, int) { return s.coder.Slew(ra, dec) },
		&kv.Slewto{Base: kv.Base{Type: kv.TypeSlewto, Gid: s.gid, UID: s.uid},
			CoorSys: cmn.CoorEqua, RA: ra, Dec: dec, Epoch: 2000})
	s.mountInfo.ObjRA, s.mountInfo.ObjDec = ra, dec
}

func (s *System) onPark(_, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mount == nil {
		xlog.Warnf("Mount<%s:%s> off-line rejects command park", s.gid, s.uid)
		return
	}
	state := cmn.MountState(s.mountInfo.State)
	if state != cmn.MountParked && state != cmn.MountParking {
		xlog.Infof("Parking Mount<%s:%s>", s.gid, s.uid)
		s.sendMountLocked(s.coder.Park,
			&kv.Park{Base: kv.Base{Type: kv.TypePark, Gid: s.gid, UID: s.uid}})
		s.mountInfo.ObjRA, s.mountInfo.ObjDec = 1000, 1000
	}
	if s.exposing > 0 {
		xlog.Infof("abort exposing <%s:%s>", s.gid, s.uid)
		s.expose2cameraLocked(cmn.ExpStop, 0, "")
	}
	if s.plan != nil {
		xlog.Infof("plan<%s> is aborted", s.plan.PlanSN)
		s.plan = nil
		s.finishPlanLocked(cmn.PlanInterrupted)
	}
}

func (s *System) onFindHome(_, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mount == nil {
		xlog.Warnf("Mount<%s:%s> off-line rejects command home", s.gid, s.uid)
		return
	}
	xlog.Infof("Mount<%s:%s> find home", s.gid, s.uid)
	s.sendMountLocked(func() (string, int) { return s.coder.FindHome(true, true) },
		&kv.Home{Base: kv.Base{Type: kv.TypeHome, Gid: s.gid, UID: s.uid}})
	s.mountInfo.ObjRA, s.mountInfo.ObjDec = 1000, 1000
}

func (s *System) onHomeSync(p1, _ any) {
	req := p1.(*kv.Sync)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mount == nil {
		xlog.Warnf("Mount<%s:%s> off-line rejects command sync", s.gid, s.uid)
		return
	}
	xlog.Infof("Mount<%s:%s> home sync to <%.4f %.4f>", s.gid, s.uid, req.RA, req.Dec)
	req.Gid, req.UID = s.gid, s.uid
	s.sendMountLocked(func() (string, int) { return s.coder.HomeSync(req.RA, req.Dec) }, req)
}

func (s *System) onTrack(_, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mount == nil {
		xlog.Warnf("Mount<%s:%s> off-line rejects command track", s.gid, s.uid)
		return
	}
	if !cmn.MountState(s.mountInfo.State).Stationary() {
		xlog.Warnf("Mount<%s:%s> state %s rejects command track",
			s.gid, s.uid, cmn.MountState(s.mountInfo.State))
		return
	}
	xlog.Infof("Mount<%s:%s> switches to tracking", s.gid, s.uid)
	s.sendMountLocked(s.coder.Track,
		&kv.Track{Base: kv.Base{Type: kv.TypeTrack, Gid: s.gid, UID: s.uid}})
}

func (s *System) onTrackVel(p1, _ any) {
	req := p1.(*kv.TrackVel)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ != cmn.ObssGWAC {
		xlog.Warnf("OBSS<%s:%s> does not support command trackvel", s.gid, s.uid)
		return
	}
	if s.mount == nil {
		xlog.Warnf("Mount<%s:%s> off-line rejects command trackvel", s.gid, s.uid)
		return
	}
	if s.mountInfo.State != int(cmn.MountTracking) {
		xlog.Warnf("Mount<%s:%s> rejects trackvel while not tracking", s.gid, s.uid)
		return
	}
	xlog.Infof("Mount<%s:%s> track velocity <%.3f %.3f>", s.gid, s.uid, req.RA, req.Dec)
	s.sendMountLocked(func() (string, int) { return s.coder.TrackVel(req.RA, req.Dec) }, nil)
}

// onGuide forwards a pointing correction to the mount when the guider
// succeeded, then tells the cameras whether guiding goes on.
func (s *System) onGuide(p1, _ any) {
	req := p1.(*kv.Guide)
	s.mu.Lock()
	defer s.mu.Unlock()

	xlog.Infof("Guide<%s:%s>: result = %d, op = %d, ra = %d, dec = %d",
		s.gid, s.uid, req.Result, req.Op, req.RA, req.Dec)
	if req.Result == 0 && s.mount != nil {
		s.sendMountLocked(func() (string, int) { return s.coder.Guide(req.RA, req.Dec) },
			&kv.Guide{Base: kv.Base{Type: kv.TypeGuide, Gid: s.gid, UID: s.uid},
				RA: req.RA, Dec: req.Dec})
	}
	if req.Result != 0 {
		req.Op = 0
	} else {
		req.Op = 1
	}
	s.write2cameraLocked(req.String(), "")
}

// onFocus starts a relative focuser move for one camera channel.
func (s *System) onFocus(p1, _ any) {
	req := p1.(*kv.Focus)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.focus == nil {
		xlog.Faultf("Focuser<%s:%s> is not on-line", s.gid, s.uid)
		return
	}
	if req.OpType != 1 || req.RelPos == 0 {
		return
	}
	cam := s.findCamLocked(req.Cid)
	if cam == nil {
		xlog.Faultf("Camera<%s:%s:%s> off-line rejects focus", s.gid, s.uid, req.Cid)
		return
	}
	posNow := cam.focPos
	cam.focTar = posNow + req.RelPos
	cam.focState = cmn.FocusMoving
	cam.repeat = 0
	xlog.Infof("Focus<%s:%s:%s> try to move from<%d> to<%d>",
		s.gid, s.uid, req.Cid, posNow, cam.focTar)
	data, sn := s.coder.Focus(req.Cid, req.RelPos)
	s.sendFocusLocked(data, sn)
}

// onFocusSync re-zeroes the focus scale for the addressed cameras.
func (s *System) onFocusSync(p1, _ any) {
	req := p1.(*kv.FocusSync)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.focus == nil {
		xlog.Faultf("Focuser<%s:%s> is not on-line", s.gid, s.uid)
		return
	}
	for _, cam := range s.cams {
		if req.Cid != "" && cam.info.Cid != req.Cid {
			continue
		}
		cam.focState = cmn.FocusUnknown
		cam.repeat = 0
		data, sn := s.coder.FocusSync(cam.info.Cid)
		s.sendFocusLocked(data, sn)
	}
}

// onFWHM closes the focus loop: an image-quality sample that moved
// since the last one goes to the focuser.
func (s *System) onFWHM(p1, _ any) {
	req := p1.(*kv.FWHM)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.focus == nil {
		xlog.Faultf("Focuser<%s:%s> is not on-line", s.gid, s.uid)
		return
	}
	if req.Cid == "" {
		xlog.Warnf("fwhm<%s:%s> without camera id", s.gid, s.uid)
		return
	}
	cam := s.findCamLocked(req.Cid)
	if cam == nil {
		return
	}
	tmimg, err := time.ParseInLocation(cmn.TimeLayout, req.TmImg, time.UTC)
	if err != nil {
		xlog.Warnf("fwhm<%s:%s:%s> bad image time <%s>", s.gid, s.uid, req.Cid, req.TmImg)
		return
	}
	if req.FWHM == cam.fwhm {
		return
	}
	cam.fwhm = req.FWHM
	data, sn := s.coder.FWHM(req.Cid, req.FWHM, tmimg)
	s.sendFocusLocked(data, sn)
}
