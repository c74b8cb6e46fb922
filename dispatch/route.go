// Package dispatch implements the general control layer.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package dispatch

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/cmn/xlog"
	"github.com/salmingo/gtoaesv2/obss"
	"github.com/salmingo/gtoaesv2/proto/gwac"
	"github.com/salmingo/gtoaesv2/proto/kv"
	"github.com/salmingo/gtoaesv2/stats"
	"github.com/salmingo/gtoaesv2/transport"
)

// onTCPFrame decodes one framed line and routes it. GWAC mount and
// focuser endpoints speak the positional dialect and are allowed to be
// noisy; everything else speaks key/value and an undecodable frame
// closes the link.
func (gc *GeneralControl) onTCPFrame(p1, p2 any) {
	c := p1.(*transport.Conn)
	frame := p2.(string)
	peer := c.Peer()
	stats.FramesIn.WithLabelValues(cmn.PeerName(peer)).Inc()

	if peer == cmn.PeerMountGWAC || peer == cmn.PeerFocus {
		rec, err := gwac.Resolve(frame)
		if err != nil {
			xlog.Faultf("undefined protocol from %s: <%s>", cmn.PeerName(peer), frame)
			stats.DecodeErrors.WithLabelValues(cmn.PeerName(peer)).Inc()
			return // GWAC devices produce noise during handshake
		}
		if peer == cmn.PeerMountGWAC {
			gc.routeMountGWAC(c, rec)
		} else {
			gc.routeFocus(c, rec)
		}
		return
	}

	rec, err := kv.Resolve(frame)
	if err != nil {
		xlog.Faultf("undefined protocol from %s: <%s>", cmn.PeerName(peer), frame)
		stats.DecodeErrors.WithLabelValues(cmn.PeerName(peer)).Inc()
		c.Close()
		return
	}
	switch peer {
	case cmn.PeerClient:
		gc.routeClient(rec)
	case cmn.PeerMountGFT:
		gc.routeMountGFT(c, rec)
	default: // cameras, both families
		gc.routeCamera(c, rec)
	}
}

// onTCPClose drops a finished connection and decouples shared GWAC
// links everywhere they are held.
func (gc *GeneralControl) onTCPClose(p1, p2 any) {
	c := p1.(*transport.Conn)
	err, _ := p2.(error)
	peer := c.Peer()
	if errors.Is(err, transport.ErrFrameTooLong) {
		xlog.Faultf("protocol length from %s is over than threshold", cmn.PeerName(peer))
	}
	c.Close()
	stats.ConnsClosed.WithLabelValues(cmn.PeerName(peer)).Inc()

	if peer == cmn.PeerClient {
		gc.cliPool.Pop(c)
		return
	}
	gc.devPool.Pop(c)
	switch peer {
	case cmn.PeerMountGWAC:
		for _, sys := range gc.matching("", "") {
			sys.DecoupleMount(c)
		}
	case cmn.PeerFocus:
		for _, sys := range gc.matching("", "") {
			sys.DecoupleFocus(c)
		}
	}
}

// routeMountGWAC demultiplexes one GWAC mount frame. A status frame
// addresses the whole group and fans out per unit; position and
// response frames address one unit.
func (gc *GeneralControl) routeMountGWAC(c *transport.Conn, rec gwac.Record) {
	switch rec := rec.(type) {
	case *gwac.Status:
		units := gc.cfg.GroupUnits(rec.Gid)
		for i := 1; i <= rec.N && i <= units; i++ {
			sys := gc.findObss(rec.Gid, fmt.Sprintf("%03d", i), cmn.ObssGWAC)
			if sys == nil {
				continue
			}
			sys.CoupleMount(c)
			sys.NotifyMountState(rec.State[i-1])
		}
	case *gwac.Ready:
		xlog.Infof("Mount group<%s> reports ready %v", rec.Gid, rec.Ready)
	case *gwac.Position:
		if sys := gc.findObss(rec.Gid, rec.UID, cmn.ObssGWAC); sys != nil {
			sys.CoupleMount(c)
			sys.NotifyMountPosition(rec)
		}
	case *gwac.Response:
		if sys := gc.findObss(rec.Gid, rec.UID, cmn.ObssGWAC); sys != nil {
			sys.NotifyResponse(rec.Serial)
		}
	}
}

// routeFocus handles a GWAC focuser frame: couple the shared link,
// then feed the five focus channels of the addressed unit. The center
// probe (mid) is camera 001; the corner probes follow in codec order.
func (gc *GeneralControl) routeFocus(c *transport.Conn, rec gwac.Record) {
	switch rec := rec.(type) {
	case *gwac.Focus:
		sys := gc.findObss(rec.Gid, rec.UID, cmn.ObssGWAC)
		if sys == nil {
			return
		}
		sys.CoupleFocus(c)
		for slot, pos := range rec.Pos {
			sys.NotifyFocus(focusCid(slot), pos)
		}
	case *gwac.Response:
		if sys := gc.findObss(rec.Gid, rec.UID, cmn.ObssGWAC); sys != nil {
			sys.NotifyResponse(rec.Serial)
		}
	}
}

// focusCid maps a focus-channel slot (es, ws, wn, en, mid = 0..4) to
// the camera it serves.
func focusCid(slot int) string {
	if slot == 4 { // mid, the center camera
		return "001"
	}
	return fmt.Sprintf("%03d", slot+2)
}

// routeMountGFT adopts a GFT mount on its first status record; the
// link moves out of the device pool into the system.
func (gc *GeneralControl) routeMountGFT(c *transport.Conn, rec kv.Record) {
	mnt, ok := rec.(*kv.Mount)
	if !ok {
		return
	}
	sys := gc.findObss(mnt.Gid, mnt.UID, cmn.ObssGFT)
	if sys == nil {
		return
	}
	if gc.devPool.Pop(c) != nil {
		sys.CoupleMount(c)
	}
}

// routeCamera adopts a camera on its first status record.
func (gc *GeneralControl) routeCamera(c *transport.Conn, rec kv.Record) {
	cam, ok := rec.(*kv.Camera)
	if !ok {
		return
	}
	typ := cmn.ObssGFT
	if c.Peer() == cmn.PeerCameraGWAC {
		typ = cmn.ObssGWAC
	}
	sys := gc.findObss(cam.Gid, cam.UID, typ)
	if sys == nil {
		return
	}
	if gc.devPool.Pop(c) != nil {
		sys.CoupleCamera(c, cam.Cid)
	}
}

// routeClient walks every matching system and dispatches the verb.
func (gc *GeneralControl) routeClient(rec kv.Record) {
	base := rec.Base()
	systems := gc.matching(base.Gid, base.UID)
	if len(systems) == 0 {
		xlog.Warnf("no observation system matches <%s:%s> for %s", base.Gid, base.UID, base.Type)
		return
	}
	for _, sys := range systems {
		if done := gc.dispatchVerb(sys, rec); done {
			break
		}
	}
}

// dispatchVerb applies one client verb to one system; done stops the
// fan-out (used by the single-answer queries).
func (gc *GeneralControl) dispatchVerb(sys *obss.System, rec kv.Record) (done bool) {
	switch rec := rec.(type) {
	case *kv.AppendPlan:
		clone := *rec
		if rec.Type == kv.TypeTakeImage {
			sys.TakeImage(&clone)
		} else {
			sys.NotifyPlan(&clone)
		}
	case *kv.Abort:
		sys.Abort()
	case *kv.CheckPlan:
		if ps := sys.CheckPlan(rec.PlanSN); ps != nil {
			gc.cliPool.Broadcast(ps.String())
			return true
		}
	case *kv.RemovePlan:
		if sys.RemovePlan(rec.PlanSN) {
			return true
		}
	case *kv.Slewto:
		clone := *rec
		sys.Slewto(&clone)
	case *kv.Park:
		sys.Park()
	case *kv.Home:
		sys.FindHome()
	case *kv.Sync:
		clone := *rec
		sys.HomeSync(&clone)
	case *kv.Track:
		sys.Track()
	case *kv.TrackVel:
		clone := *rec
		sys.TrackVel(&clone)
	case *kv.Guide:
		clone := *rec
		sys.Guide(&clone)
	case *kv.Focus:
		clone := *rec
		sys.Focus(&clone)
	case *kv.FocusSync:
		clone := *rec
		sys.FocusSync(&clone)
	case *kv.FWHM:
		clone := *rec
		sys.NotifyFWHM(&clone)
	case *kv.GeoSite:
		if rec.OpType == 0 {
			gc.replyGeoSite(rec)
			return true
		}
	case *kv.CamSet, *kv.Derot, *kv.Dome, *kv.MirrCover, *kv.Filter:
		// auxiliary devices are not driven yet
	default:
		xlog.Warnf("client verb %s is not served", rec.Base().Type)
	}
	return false
}

// replyGeoSite answers a site query from the configuration.
func (gc *GeneralControl) replyGeoSite(req *kv.GeoSite) {
	rsp := kv.GeoSite{
		Base:   kv.Base{Type: kv.TypeGeoSite, Gid: req.Gid, UID: req.UID},
		OpType: 1,
		Name:   gc.cfg.Site.Name,
		Lon:    gc.cfg.Site.Lon,
		Lat:    gc.cfg.Site.Lat,
		Alt:    gc.cfg.Site.Alt,
	}
	rsp.StampUTC()
	gc.cliPool.Broadcast(rsp.String())
}
