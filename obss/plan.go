// Package obss implements the observation system.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package obss

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/cmn/xlog"
	"github.com/salmingo/gtoaesv2/proto/kv"
	"github.com/salmingo/gtoaesv2/stats"
)

var errInvalidID = errors.New("invalid observation system id")

// slewThresholdArcsec: a new target closer than this on both axes
// reuses the current pointing.
const slewThresholdArcsec = 5.0

// planLoop is the plan monitor: woken by a new plan or every tick, it
// funnels the check through the bus so all plan state stays on the
// single consumer.
func (s *System) planLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cmn.PlanTickSec * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.planCh:
		case <-ticker.C:
		}
		s.bus.Post(msgPlanCheck, nil, nil)
	}
}

// onPlanCheck moves a cataloged plan into execution once the unit is
// able, and aborts a running plan past its deadline.
func (s *System) onPlanCheck(_, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmn.PlanState(s.planStatus.State) {
	case cmn.PlanCataloged:
		if s.plan == nil {
			return
		}
		if s.mount == nil || s.camonline == 0 || s.exposing > 0 {
			return // preconditions; retried on the next tick
		}
		s.processNewPlanLocked()
	case cmn.PlanRunning:
		if s.plan == nil || s.deadline.IsZero() {
			return
		}
		overrun := s.deadline.Add(time.Duration(s.plan.ExpTime * float64(time.Second)))
		if time.Now().UTC().After(overrun) {
			xlog.Warnf("plan<%s> overran its window, aborting", s.plan.PlanSN)
			s.abortLocked()
		}
	}
}

// processNewPlanLocked starts the stored plan: slew when the target
// actually moved, describe the sequence to the cameras, and start the
// exposure at once when no slew is pending.
func (s *System) processNewPlanLocked() {
	plan := s.plan
	slewReq := !strings.EqualFold(plan.ImgType, "bias") && !strings.EqualFold(plan.ImgType, "dark")
	if slewReq {
		errRA := (plan.RA - s.mountInfo.ObjRA) * 3600.0
		errDec := (plan.Dec - s.mountInfo.ObjDec) * 3600.0
		slewReq = math.Abs(errRA) > slewThresholdArcsec || math.Abs(errDec) > slewThresholdArcsec
	}
	if slewReq {
		xlog.Infof("Plan<%s> in OBSS<%s:%s> slews to <%.4f %.4f>",
			plan.PlanSN, s.gid, s.uid, plan.RA, plan.Dec)
		s.slewLocked(plan.RA, plan.Dec)
	}
	s.write2cameraLocked(plan.String(), "")
	if !slewReq {
		s.expose2cameraLocked(cmn.ExpStart, 0, "")
	}
	s.planStatus.StampUTC()
	s.planStatus.TmStart = s.planStatus.UTC
	s.setPlanStateLocked(cmn.PlanRunning)

	s.deadline = time.Time{}
	if plan.PlanEnd != "" {
		if dl, err := time.ParseInLocation(cmn.TimeLayout, plan.PlanEnd, time.UTC); err == nil {
			s.deadline = dl
		} else {
			xlog.Warnf("plan<%s> has unparsable plan_end <%s>", plan.PlanSN, plan.PlanEnd)
		}
	}
}

// onTakeImage runs a manual, one-shot exposure outside mount control.
func (s *System) onTakeImage(p1, _ any) {
	req := p1.(*kv.AppendPlan)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plan != nil {
		xlog.Warnf("plan<%s> in OBSS<%s:%s> rejects command take_image",
			s.plan.PlanSN, s.gid, s.uid)
		return
	}
	if req.PlanSN == "" {
		req.PlanSN = s.nextManualSNLocked()
	}
	if req.ExpTime < 0 {
		req.ExpTime = 0
	}
	if req.ImgType == "" || req.ObjID == "" {
		req.Normalize()
	}
	if req.FrmCnt <= 0 {
		req.FrmCnt = 1
	}
	req.Type = kv.TypeAppendGWAC // cameras treat it as a plan description
	xlog.Infof("TakeImage<%s:%s>: imgtype = %s, exptime = %.3f, frmcnt = %d",
		s.gid, s.uid, req.ImgType, req.ExpTime, req.FrmCnt)

	s.write2cameraLocked(req.String(), req.Cid)
	s.expose2cameraLocked(cmn.ExpStart, 0, req.Cid)

	s.plan = req
	s.manual = true
	s.deadline = time.Time{}
	s.planStatus.PlanSN = req.PlanSN
	s.planStatus.StampUTC()
	s.planStatus.TmStart = s.planStatus.UTC
	s.planStatus.TmStop = ""
	s.setPlanStateLocked(cmn.PlanRunning)
}

// nextManualSNLocked builds the take_image serial gid+uid_YYMMDDnnn;
// the counter restarts each UTC day.
func (s *System) nextManualSNLocked() string {
	now := time.Now().UTC()
	if now.Day() != s.oldDay {
		s.oldDay = now.Day()
		s.planSN = 0
	}
	s.planSN++
	return fmt.Sprintf("%s%s_%02d%02d%02d%03d",
		s.gid, s.uid, now.Year()%100, int(now.Month()), now.Day(), s.planSN)
}

// setPlanStateLocked records a plan-state transition and fans it out.
func (s *System) setPlanStateLocked(state cmn.PlanState) {
	s.planStatus.State = int(state)
	s.planStatus.StampUTC()
	if state.Terminal() {
		stats.PlansDone.WithLabelValues(state.String()).Inc()
	}
	if s.cbPlan != nil {
		ps := s.planStatus
		s.cbPlan(&ps)
	}
}

// finishPlanLocked stamps the stop time and applies a terminal state;
// callers clear s.plan first.
func (s *System) finishPlanLocked(state cmn.PlanState) {
	s.manual = false
	s.deadline = time.Time{}
	s.planStatus.StampUTC()
	s.planStatus.TmStop = s.planStatus.UTC
	s.setPlanStateLocked(state)
}
