// Package kv implements the key/value wire dialect.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package kv

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Resolve parses one framed line into its typed record. The returned
// error wraps ErrUndefined both for unknown types and for payloads with
// malformed numerics; callers treat either as an undecodable frame.
func Resolve(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	typ, rest, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	if typ == "" {
		return nil, errors.Wrap(ErrUndefined, "empty frame")
	}

	var base Base
	pairs := splitPairs(rest, &base)

	rec, err := resolveTyped(typ, pairs)
	if err != nil {
		return nil, errors.Wrapf(err, "[%s]", typ)
	}
	if rec == nil {
		return nil, errors.Wrapf(ErrUndefined, "<%s>", line)
	}
	b := rec.Base()
	base.Type, base.Extra = b.Type, b.Extra
	*b = base
	return rec, nil
}

// splitPairs separates envelope keys from payload pairs.
func splitPairs(s string, base *Base) []Pair {
	var pairs []Pair
	for _, tok := range strings.Split(s, ",") {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if key == "" || val == "" {
			continue
		}
		switch {
		case strings.EqualFold(key, "utc"):
			base.UTC = val
		case strings.EqualFold(key, "gid"):
			base.Gid = val
		case strings.EqualFold(key, "uid"):
			base.UID = val
		case strings.EqualFold(key, "cid"):
			base.Cid = val
		default:
			pairs = append(pairs, Pair{key, val})
		}
	}
	return pairs
}

// resolveTyped dispatches on the first letter, then the full type.
func resolveTyped(typ string, pairs []Pair) (Record, error) {
	lower := strings.ToLower(typ)
	switch lower[0] {
	case 'a':
		switch lower {
		case TypeAppendPlan, TypeAppendGWAC:
			return resolveAppend(lower, pairs)
		case TypeAbort:
			return claim(&Abort{Base: Base{Type: TypeAbort}}, pairs, nil)
		}
	case 'c':
		switch lower {
		case TypeCheckPlan:
			return resolveCheckPlan(pairs)
		case TypeCamera:
			return resolveCamera(pairs)
		case TypeCamSet:
			return resolveCamSet(pairs)
		}
	case 'd':
		switch lower {
		case TypeDerot:
			return resolveDerot(pairs)
		case TypeDome:
			return resolveDome(pairs)
		}
	case 'e':
		if lower == TypeExpose {
			return resolveExpose(pairs)
		}
	case 'f':
		switch lower {
		case TypeFocus:
			return resolveFocus(pairs)
		case TypeFocusSync:
			return claim(&FocusSync{Base: Base{Type: TypeFocusSync}}, pairs, nil)
		case TypeFWHM:
			return resolveFWHM(pairs)
		case TypeFilter:
			return resolveFilter(pairs)
		}
	case 'g':
		switch lower {
		case TypeGuide:
			return resolveGuide(pairs)
		case TypeGeoSite:
			return resolveGeoSite(pairs)
		}
	case 'h':
		if lower == TypeHome {
			return claim(&Home{Base: Base{Type: TypeHome}}, pairs, nil)
		}
	case 'm':
		switch lower {
		case TypeMount:
			return resolveMount(pairs)
		case TypeMCover:
			return resolveMCover(pairs)
		}
	case 'o':
		if lower == TypeOBSS {
			return resolveOBSS(pairs)
		}
	case 'p':
		switch lower {
		case TypePlan:
			return resolvePlanStatus(pairs)
		case TypePark:
			return claim(&Park{Base: Base{Type: TypePark}}, pairs, nil)
		}
	case 'r':
		if lower == TypeRemovePlan {
			return resolveRemovePlan(pairs)
		}
	case 's':
		switch lower {
		case TypeSlewto:
			return resolveSlewto(pairs)
		case TypeSync:
			return resolveSync(pairs)
		}
	case 't':
		switch lower {
		case TypeTakeImage:
			return resolveAppend(TypeTakeImage, pairs)
		case TypeTrack:
			return claim(&Track{Base: Base{Type: TypeTrack}}, pairs, nil)
		case TypeTrackVel:
			return resolveTrackVel(pairs)
		}
	}
	return nil, nil
}

////////////////
// field scan //
////////////////

// scanner walks a record's pairs, claiming declared fields and keeping
// the rest. The first malformed numeric poisons the scan.
type scanner struct {
	extra []Pair
	err   error
}

func (sc *scanner) keep(p Pair) { sc.extra = append(sc.extra, p) }

func (sc *scanner) str(p Pair, dst *string) { *dst = p.Val }

func (sc *scanner) int(p Pair, dst *int) {
	if sc.err != nil {
		return
	}
	v, err := strconv.Atoi(p.Val)
	if err != nil {
		sc.err = errors.Wrapf(ErrUndefined, "%s=%s", p.Key, p.Val)
		return
	}
	*dst = v
}

func (sc *scanner) float(p Pair, dst *float64) {
	if sc.err != nil {
		return
	}
	v, err := strconv.ParseFloat(p.Val, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		sc.err = errors.Wrapf(ErrUndefined, "%s=%s", p.Key, p.Val)
		return
	}
	*dst = v
}

// claim finishes a resolver: unclaimed pairs go to Extra, a scan error
// fails the record.
func claim(rec Record, pairs []Pair, sc *scanner) (Record, error) {
	if sc == nil {
		rec.Base().Extra = pairs
		return rec, nil
	}
	if sc.err != nil {
		return nil, sc.err
	}
	rec.Base().Extra = sc.extra
	return rec, nil
}

///////////////
// resolvers //
///////////////

func resolveAppend(typ string, pairs []Pair) (Record, error) {
	p := &AppendPlan{Base: Base{Type: typ}, CoorSys: 1, Epoch: 2000}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "plan_sn":
			sc.str(kv, &p.PlanSN)
		case "objid":
			sc.str(kv, &p.ObjID)
		case "obstype":
			sc.str(kv, &p.ObsType)
		case "coor_sys", "coorsys":
			sc.int(kv, &p.CoorSys)
		case "ra":
			sc.float(kv, &p.RA)
		case "dec":
			sc.float(kv, &p.Dec)
		case "epoch", "ecoch":
			sc.float(kv, &p.Epoch)
		case "azi":
			sc.float(kv, &p.Azi)
		case "ele":
			sc.float(kv, &p.Ele)
		case "tle1":
			sc.str(kv, &p.TLE1)
		case "tle2":
			sc.str(kv, &p.TLE2)
		case "imgtype":
			sc.str(kv, &p.ImgType)
		case "filter":
			sc.str(kv, &p.Filter)
		case "exptime":
			sc.float(kv, &p.ExpTime)
		case "delay":
			sc.float(kv, &p.Delay)
		case "frmcnt":
			sc.int(kv, &p.FrmCnt)
		case "loopcnt":
			sc.int(kv, &p.LoopCnt)
		case "priority":
			sc.int(kv, &p.Priority)
		case "grid_id":
			sc.str(kv, &p.GridID)
		case "field_id":
			sc.str(kv, &p.FieldID)
		case "plan_beg":
			sc.str(kv, &p.PlanBegin)
		case "plan_end":
			sc.str(kv, &p.PlanEnd)
		default:
			sc.keep(kv)
		}
	}
	if sc.err != nil {
		return nil, sc.err
	}
	p.Normalize()
	return claim(p, nil, sc)
}

// Normalize fills the defaulted plan fields: imgtype from the exposure
// time, objid from imgtype.
func (p *AppendPlan) Normalize() {
	if p.ImgType == "" {
		if p.ExpTime == 0 {
			p.ImgType = "BIAS"
		} else {
			p.ImgType = "OBJECT"
		}
	}
	if p.ObjID == "" {
		switch strings.ToUpper(p.ImgType) {
		case "BIAS":
			p.ObjID = "bias"
		case "DARK":
			p.ObjID = "dark"
		case "FLAT":
			p.ObjID = "flat"
		case "FOCUS":
			p.ObjID = "focs"
		default:
			p.ObjID = "objt"
		}
	}
}

func resolveCheckPlan(pairs []Pair) (Record, error) {
	p := &CheckPlan{Base: Base{Type: TypeCheckPlan}}
	sc := &scanner{}
	for _, kv := range pairs {
		if strings.EqualFold(kv.Key, "plan_sn") {
			sc.str(kv, &p.PlanSN)
		} else {
			sc.keep(kv)
		}
	}
	if p.PlanSN == "" {
		return nil, errors.Wrap(ErrUndefined, "check_plan without plan_sn")
	}
	return claim(p, nil, sc)
}

func resolveRemovePlan(pairs []Pair) (Record, error) {
	p := &RemovePlan{Base: Base{Type: TypeRemovePlan}}
	sc := &scanner{}
	for _, kv := range pairs {
		if strings.EqualFold(kv.Key, "plan_sn") {
			sc.str(kv, &p.PlanSN)
		} else {
			sc.keep(kv)
		}
	}
	if p.PlanSN == "" {
		return nil, errors.Wrap(ErrUndefined, "remove_plan without plan_sn")
	}
	return claim(p, nil, sc)
}

func resolvePlanStatus(pairs []Pair) (Record, error) {
	p := &PlanStatus{Base: Base{Type: TypePlan}}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "plan_sn":
			sc.str(kv, &p.PlanSN)
		case "tm_start":
			sc.str(kv, &p.TmStart)
		case "tm_stop":
			sc.str(kv, &p.TmStop)
		case "state":
			sc.int(kv, &p.State)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveOBSS(pairs []Pair) (Record, error) {
	p := &OBSS{Base: Base{Type: TypeOBSS}}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "state":
			sc.int(kv, &p.State)
		case "mount":
			sc.int(kv, &p.Mount)
		case "camera":
			sc.int(kv, &p.Camera)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveSlewto(pairs []Pair) (Record, error) {
	p := &Slewto{Base: Base{Type: TypeSlewto}, CoorSys: 1, Epoch: 2000}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "coor_sys", "coorsys":
			sc.int(kv, &p.CoorSys)
		case "ra":
			sc.float(kv, &p.RA)
		case "dec":
			sc.float(kv, &p.Dec)
		case "epoch", "ecoch":
			sc.float(kv, &p.Epoch)
		case "azi":
			sc.float(kv, &p.Azi)
		case "ele":
			sc.float(kv, &p.Ele)
		case "tle1":
			sc.str(kv, &p.TLE1)
		case "tle2":
			sc.str(kv, &p.TLE2)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveSync(pairs []Pair) (Record, error) {
	p := &Sync{Base: Base{Type: TypeSync}, Epoch: 2000}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "ra":
			sc.float(kv, &p.RA)
		case "dec":
			sc.float(kv, &p.Dec)
		case "epoch", "ecoch":
			sc.float(kv, &p.Epoch)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveGuide(pairs []Pair) (Record, error) {
	p := &Guide{Base: Base{Type: TypeGuide}}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "result":
			sc.int(kv, &p.Result)
		case "op":
			sc.int(kv, &p.Op)
		case "ra":
			sc.int(kv, &p.RA)
		case "dec":
			sc.int(kv, &p.Dec)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveMount(pairs []Pair) (Record, error) {
	p := &Mount{Base: Base{Type: TypeMount}}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "state":
			sc.int(kv, &p.State)
		case "errcode":
			sc.int(kv, &p.Errcode)
		case "mjd":
			sc.float(kv, &p.MJD)
		case "lst":
			sc.float(kv, &p.LST)
		case "ra":
			sc.float(kv, &p.RA)
		case "dec":
			sc.float(kv, &p.Dec)
		case "ra2k":
			sc.float(kv, &p.RA2k)
		case "dec2k":
			sc.float(kv, &p.Dec2k)
		case "azi":
			sc.float(kv, &p.Azi)
		case "ele":
			sc.float(kv, &p.Ele)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveCamera(pairs []Pair) (Record, error) {
	p := &Camera{Base: Base{Type: TypeCamera}}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "state":
			sc.int(kv, &p.State)
		case "errcode":
			sc.int(kv, &p.Errcode)
		case "left":
			sc.float(kv, &p.Left)
		case "percent":
			sc.float(kv, &p.Percent)
		case "coolget":
			sc.int(kv, &p.Coolget)
		case "imgtype":
			sc.str(kv, &p.ImgType)
		case "filter":
			sc.str(kv, &p.Filter)
		case "freedisk":
			sc.int(kv, &p.FreeDisk)
		case "plan_sn":
			sc.str(kv, &p.PlanSN)
		case "loopno":
			sc.int(kv, &p.LoopNo)
		case "frmno":
			sc.int(kv, &p.FrmNo)
		case "filename":
			sc.str(kv, &p.FileName)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveExpose(pairs []Pair) (Record, error) {
	p := &Expose{Base: Base{Type: TypeExpose}}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "command":
			sc.int(kv, &p.Command)
		case "frmno":
			sc.int(kv, &p.FrmNo)
		case "loopno":
			sc.int(kv, &p.LoopNo)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveCamSet(pairs []Pair) (Record, error) {
	p := &CamSet{Base: Base{Type: TypeCamSet}, OpType: -1}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "optype":
			sc.int(kv, &p.OpType)
		case "bitdepth":
			sc.int(kv, &p.BitDepth)
		case "iadc":
			sc.int(kv, &p.IADC)
		case "ireadport":
			sc.int(kv, &p.IReadPort)
		case "ireadrate":
			sc.int(kv, &p.IReadRate)
		case "ivsrate":
			sc.int(kv, &p.IVSRate)
		case "igain":
			sc.int(kv, &p.IGain)
		case "coolset":
			sc.int(kv, &p.CoolSet)
		case "bitpixel":
			sc.int(kv, &p.BitPixel)
		case "adc":
			sc.str(kv, &p.ADC)
		case "readport":
			sc.str(kv, &p.ReadPort)
		case "readrate":
			sc.str(kv, &p.ReadRate)
		case "vsrate":
			sc.float(kv, &p.VSRate)
		case "gain":
			sc.float(kv, &p.Gain)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveFocus(pairs []Pair) (Record, error) {
	p := &Focus{Base: Base{Type: TypeFocus}, Pos: PosInvalid, PosTar: PosInvalid}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "optype":
			sc.int(kv, &p.OpType)
		case "state":
			sc.int(kv, &p.State)
		case "relpos":
			sc.int(kv, &p.RelPos)
		case "pos":
			sc.int(kv, &p.Pos)
		case "postar":
			sc.int(kv, &p.PosTar)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveFWHM(pairs []Pair) (Record, error) {
	p := &FWHM{Base: Base{Type: TypeFWHM}}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "fwhm", "value":
			sc.float(kv, &p.FWHM)
		case "tmimg":
			sc.str(kv, &p.TmImg)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveTrackVel(pairs []Pair) (Record, error) {
	p := &TrackVel{Base: Base{Type: TypeTrackVel}}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "ra":
			sc.float(kv, &p.RA)
		case "dec":
			sc.float(kv, &p.Dec)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveDerot(pairs []Pair) (Record, error) {
	p := &Derot{Base: Base{Type: TypeDerot}, OpType: -1, Command: -1}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "optype":
			sc.int(kv, &p.OpType)
		case "command":
			sc.int(kv, &p.Command)
		case "state":
			sc.int(kv, &p.State)
		case "postar":
			sc.float(kv, &p.PosTar)
		case "pos":
			sc.float(kv, &p.Pos)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveDome(pairs []Pair) (Record, error) {
	p := &Dome{Base: Base{Type: TypeDome}, OpType: -1, Command: -1}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "optype":
			sc.int(kv, &p.OpType)
		case "command":
			sc.int(kv, &p.Command)
		case "state":
			sc.int(kv, &p.State)
		case "azi":
			sc.float(kv, &p.Azi)
		case "ele":
			sc.float(kv, &p.Ele)
		case "aziobj":
			sc.float(kv, &p.AziObj)
		case "eleobj":
			sc.float(kv, &p.EleObj)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveMCover(pairs []Pair) (Record, error) {
	p := &MirrCover{Base: Base{Type: TypeMCover}, OpType: -1, Command: -1}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "optype":
			sc.int(kv, &p.OpType)
		case "command":
			sc.int(kv, &p.Command)
		case "state":
			sc.int(kv, &p.State)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveFilter(pairs []Pair) (Record, error) {
	p := &Filter{Base: Base{Type: TypeFilter}, OpType: -1}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "optype":
			sc.int(kv, &p.OpType)
		case "name":
			sc.str(kv, &p.Name)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}

func resolveGeoSite(pairs []Pair) (Record, error) {
	p := &GeoSite{Base: Base{Type: TypeGeoSite}, OpType: -1}
	sc := &scanner{}
	for _, kv := range pairs {
		switch strings.ToLower(kv.Key) {
		case "optype":
			sc.int(kv, &p.OpType)
		case "name":
			sc.str(kv, &p.Name)
		case "lon":
			sc.float(kv, &p.Lon)
		case "lat":
			sc.float(kv, &p.Lat)
		case "alt":
			sc.float(kv, &p.Alt)
		default:
			sc.keep(kv)
		}
	}
	return claim(p, nil, sc)
}
