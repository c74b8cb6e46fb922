// Package kv implements the key/value wire dialect.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package kv

import (
	"strings"
)

type (
	// AppendPlan is the observation-plan submission record. The same
	// payload travels as append_plan, append_gwac, and take_image; the
	// type tag selects the handling path.
	AppendPlan struct {
		Base
		PlanSN    string
		ObjID     string
		ObsType   string
		CoorSys   int
		RA        float64
		Dec       float64
		Epoch     float64
		Azi       float64
		Ele       float64
		TLE1      string
		TLE2      string
		ImgType   string
		Filter    string
		ExpTime   float64
		Delay     float64
		FrmCnt    int
		LoopCnt   int
		Priority  int
		GridID    string
		FieldID   string
		PlanBegin string
		PlanEnd   string
	}

	// CheckPlan queries one plan's status.
	CheckPlan struct {
		Base
		PlanSN string
	}

	// RemovePlan interrupts and drops one plan.
	RemovePlan struct {
		Base
		PlanSN string
	}

	// PlanStatus is the plan-state broadcast record.
	PlanStatus struct {
		Base
		PlanSN  string
		TmStart string
		TmStop  string
		State   int
	}

	// Abort stops the current plan, pointing, and exposure.
	Abort struct {
		Base
	}

	// OBSS is the observation-system status record.
	OBSS struct {
		Base
		State  int
		Mount  int
		Camera int
	}

	// Slewto points the mount.
	Slewto struct {
		Base
		CoorSys int
		RA      float64
		Dec     float64
		Epoch   float64
		Azi     float64
		Ele     float64
		TLE1    string
		TLE2    string
	}

	// Park sends the mount to its rest position.
	Park struct {
		Base
	}

	// Guide carries a closed-loop pointing correction.
	Guide struct {
		Base
		Result int
		Op     int
		RA     int
		Dec    int
	}

	// Home starts a zero-point search.
	Home struct {
		Base
	}

	// Sync sets the mount zero point to the given coordinates.
	Sync struct {
		Base
		RA    float64
		Dec   float64
		Epoch float64
	}

	// Mount is the mount status record.
	Mount struct {
		Base
		State   int
		Errcode int
		MJD     float64
		LST     float64
		RA      float64
		Dec     float64
		RA2k    float64
		Dec2k   float64
		Azi     float64
		Ele     float64
		// target position, local bookkeeping only
		ObjRA  float64
		ObjDec float64
	}

	// Expose is the low-level exposure command.
	Expose struct {
		Base
		Command int
		FrmNo   int
		LoopNo  int
	}

	// CamSet queries or changes camera readout parameters.
	CamSet struct {
		Base
		OpType    int
		BitDepth  int
		IADC      int
		IReadPort int
		IReadRate int
		IVSRate   int
		IGain     int
		CoolSet   int
		BitPixel  int
		ADC       string
		ReadPort  string
		ReadRate  string
		VSRate    float64
		Gain      float64
	}

	// Camera is the camera status record.
	Camera struct {
		Base
		State    int
		Errcode  int
		Left     float64
		Percent  float64
		Coolget  int
		ImgType  string
		Filter   string
		FreeDisk int
		PlanSN   string
		LoopNo   int
		FrmNo    int
		FileName string
	}

	// Focus carries either a focuser position report (opType 0) or a
	// relative move command (opType 1).
	Focus struct {
		Base
		OpType int
		State  int
		RelPos int
		Pos    int
		PosTar int
	}

	// FocusSync re-zeroes the focus scale.
	FocusSync struct {
		Base
	}

	// FWHM feeds the closed focus loop with an image-quality sample.
	FWHM struct {
		Base
		FWHM  float64
		TmImg string
	}

	// Track switches the mount into sidereal tracking.
	Track struct {
		Base
	}

	// TrackVel changes the tracking rate.
	TrackVel struct {
		Base
		RA  float64
		Dec float64
	}

	// Derot carries derotator position or command.
	Derot struct {
		Base
		OpType  int
		Command int
		State   int
		PosTar  float64
		Pos     float64
	}

	// Dome carries dome/slit position or command.
	Dome struct {
		Base
		OpType  int
		Command int
		State   int
		Azi     float64
		Ele     float64
		AziObj  float64
		EleObj  float64
	}

	// MirrCover carries mirror-cover state or command.
	MirrCover struct {
		Base
		OpType  int
		Command int
		State   int
	}

	// Filter carries filter-wheel state or command.
	Filter struct {
		Base
		OpType int
		Name   string
	}

	// GeoSite queries or changes the geographic site.
	GeoSite struct {
		Base
		OpType int
		Name   string
		Lon    float64
		Lat    float64
		Alt    float64
	}
)

// interface guard
var (
	_ Record = (*AppendPlan)(nil)
	_ Record = (*Mount)(nil)
	_ Record = (*Camera)(nil)
)

func (p *AppendPlan) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	if p.PlanSN != "" {
		joinKV(&sb, "plan_sn", p.PlanSN)
	}
	if p.ObjID != "" {
		joinKV(&sb, "objid", p.ObjID)
	}
	if p.ObsType != "" {
		joinKV(&sb, "obstype", p.ObsType)
	}
	joinKV(&sb, "coor_sys", p.CoorSys)
	switch p.CoorSys {
	case 0: // horizontal
		joinKV(&sb, "azi", p.Azi)
		joinKV(&sb, "ele", p.Ele)
	case 2: // two-line elements
		joinKV(&sb, "tle1", p.TLE1)
		joinKV(&sb, "tle2", p.TLE2)
	default: // equatorial
		joinKV(&sb, "ra", p.RA)
		joinKV(&sb, "dec", p.Dec)
		joinKV(&sb, "epoch", p.Epoch)
	}
	if p.ImgType != "" {
		joinKV(&sb, "imgtype", p.ImgType)
	}
	if p.Filter != "" {
		joinKV(&sb, "filter", p.Filter)
	}
	joinKV(&sb, "exptime", p.ExpTime)
	if p.Delay > 0 {
		joinKV(&sb, "delay", p.Delay)
	}
	joinKV(&sb, "frmcnt", p.FrmCnt)
	joinKV(&sb, "loopcnt", p.LoopCnt)
	joinKV(&sb, "priority", p.Priority)
	if p.GridID != "" {
		joinKV(&sb, "grid_id", p.GridID)
	}
	if p.FieldID != "" {
		joinKV(&sb, "field_id", p.FieldID)
	}
	if p.PlanBegin != "" {
		joinKV(&sb, "plan_beg", p.PlanBegin)
	}
	if p.PlanEnd != "" {
		joinKV(&sb, "plan_end", p.PlanEnd)
	}
	return p.extras(&sb)
}

func (p *CheckPlan) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	if p.PlanSN != "" {
		joinKV(&sb, "plan_sn", p.PlanSN)
	}
	return p.extras(&sb)
}

func (p *RemovePlan) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	if p.PlanSN != "" {
		joinKV(&sb, "plan_sn", p.PlanSN)
	}
	return p.extras(&sb)
}

func (p *PlanStatus) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	if p.PlanSN != "" {
		joinKV(&sb, "plan_sn", p.PlanSN)
	}
	if p.TmStart != "" {
		joinKV(&sb, "tm_start", p.TmStart)
	}
	if p.TmStop != "" {
		joinKV(&sb, "tm_stop", p.TmStop)
	}
	joinKV(&sb, "state", p.State)
	return p.extras(&sb)
}

func (p *Abort) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	return p.extras(&sb)
}

func (p *OBSS) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "state", p.State)
	joinKV(&sb, "mount", p.Mount)
	joinKV(&sb, "camera", p.Camera)
	return p.extras(&sb)
}

func (p *Slewto) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "coor_sys", p.CoorSys)
	switch p.CoorSys {
	case 0:
		joinKV(&sb, "azi", p.Azi)
		joinKV(&sb, "ele", p.Ele)
	case 2:
		joinKV(&sb, "tle1", p.TLE1)
		joinKV(&sb, "tle2", p.TLE2)
	default:
		joinKV(&sb, "ra", p.RA)
		joinKV(&sb, "dec", p.Dec)
		joinKV(&sb, "epoch", p.Epoch)
	}
	return p.extras(&sb)
}

func (p *Park) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	return p.extras(&sb)
}

func (p *Guide) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "result", p.Result)
	joinKV(&sb, "op", p.Op)
	if p.RA != 0 || p.Dec != 0 {
		joinKV(&sb, "ra", p.RA)
		joinKV(&sb, "dec", p.Dec)
	}
	return p.extras(&sb)
}

func (p *Home) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	return p.extras(&sb)
}

func (p *Sync) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "ra", p.RA)
	joinKV(&sb, "dec", p.Dec)
	joinKV(&sb, "epoch", p.Epoch)
	return p.extras(&sb)
}

func (p *Mount) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "state", p.State)
	joinKV(&sb, "errcode", p.Errcode)
	joinKV(&sb, "mjd", p.MJD)
	joinKV(&sb, "lst", p.LST)
	joinKV(&sb, "ra", p.RA)
	joinKV(&sb, "dec", p.Dec)
	joinKV(&sb, "ra2k", p.RA2k)
	joinKV(&sb, "dec2k", p.Dec2k)
	joinKV(&sb, "azi", p.Azi)
	joinKV(&sb, "ele", p.Ele)
	return p.extras(&sb)
}

func (p *Expose) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "command", p.Command)
	joinKV(&sb, "frmno", p.FrmNo)
	joinKV(&sb, "loopno", p.LoopNo)
	return p.extras(&sb)
}

func (p *CamSet) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "optype", p.OpType)
	if p.OpType != 0 {
		if p.OpType == 2 {
			joinKV(&sb, "bitDepth", p.BitDepth)
			joinKV(&sb, "iADC", p.IADC)
			joinKV(&sb, "iReadPort", p.IReadPort)
			joinKV(&sb, "iReadRate", p.IReadRate)
			joinKV(&sb, "iVSRate", p.IVSRate)
			joinKV(&sb, "iGain", p.IGain)
			joinKV(&sb, "coolSet", p.CoolSet)
		}
		joinKV(&sb, "bitPixel", p.BitPixel)
		joinKV(&sb, "ADC", p.ADC)
		joinKV(&sb, "readPort", p.ReadPort)
		joinKV(&sb, "readRate", p.ReadRate)
		joinKV(&sb, "vsRate", p.VSRate)
		joinKV(&sb, "gain", p.Gain)
	}
	return p.extras(&sb)
}

func (p *Camera) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "state", p.State)
	joinKV(&sb, "errcode", p.Errcode)
	joinKV(&sb, "left", p.Left)
	joinKV(&sb, "percent", p.Percent)
	joinKV(&sb, "coolget", p.Coolget)
	joinKV(&sb, "imgtype", p.ImgType)
	joinKV(&sb, "filter", p.Filter)
	joinKV(&sb, "freedisk", p.FreeDisk)
	joinKV(&sb, "plan_sn", p.PlanSN)
	joinKV(&sb, "loopno", p.LoopNo)
	joinKV(&sb, "frmno", p.FrmNo)
	joinKV(&sb, "filename", p.FileName)
	return p.extras(&sb)
}

func (p *Focus) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "optype", p.OpType)
	switch p.OpType {
	case 0:
		joinKV(&sb, "state", p.State)
		joinKV(&sb, "pos", p.Pos)
		joinKV(&sb, "posTar", p.PosTar)
	case 1:
		joinKV(&sb, "relpos", p.RelPos)
	}
	return p.extras(&sb)
}

func (p *FocusSync) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	return p.extras(&sb)
}

func (p *FWHM) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "fwhm", p.FWHM)
	joinKV(&sb, "tmimg", p.TmImg)
	return p.extras(&sb)
}

func (p *Track) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	return p.extras(&sb)
}

func (p *TrackVel) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "ra", p.RA)
	joinKV(&sb, "dec", p.Dec)
	return p.extras(&sb)
}

func (p *Derot) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "optype", p.OpType)
	switch p.OpType {
	case 0:
		joinKV(&sb, "state", p.State)
		joinKV(&sb, "pos", p.Pos)
	case 1:
		joinKV(&sb, "command", p.Command)
		joinKV(&sb, "postar", p.PosTar)
	}
	return p.extras(&sb)
}

func (p *Dome) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "optype", p.OpType)
	switch p.OpType {
	case 0:
		joinKV(&sb, "state", p.State)
		joinKV(&sb, "azi", p.Azi)
		joinKV(&sb, "ele", p.Ele)
	case 1:
		joinKV(&sb, "command", p.Command)
	}
	joinKV(&sb, "aziobj", p.AziObj)
	joinKV(&sb, "eleobj", p.EleObj)
	return p.extras(&sb)
}

func (p *MirrCover) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "optype", p.OpType)
	switch p.OpType {
	case 0:
		joinKV(&sb, "state", p.State)
	case 1:
		joinKV(&sb, "command", p.Command)
	}
	return p.extras(&sb)
}

func (p *Filter) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "optype", p.OpType)
	joinKV(&sb, "name", p.Name)
	return p.extras(&sb)
}

func (p *GeoSite) String() string {
	var sb strings.Builder
	p.envelope(&sb)
	joinKV(&sb, "optype", p.OpType)
	if p.OpType != 0 {
		joinKV(&sb, "name", p.Name)
		joinKV(&sb, "lon", p.Lon)
		joinKV(&sb, "lat", p.Lat)
		joinKV(&sb, "alt", p.Alt)
	}
	return p.extras(&sb)
}
