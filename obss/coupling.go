// Package obss implements the observation system.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package obss

import (
	"time"

	"github.com/pkg/errors"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/cmn/xlog"
	"github.com/salmingo/gtoaesv2/proto/kv"
	"github.com/salmingo/gtoaesv2/stats"
	"github.com/salmingo/gtoaesv2/transport"
)

// onCoupleMount binds the mount link. For GWAC the link is shared with
// the sibling systems of the group and a re-couple merely refreshes it;
// for GFT the link is exclusive and this system takes over its frame
// stream.
func (s *System) onCoupleMount(p1, _ any) {
	c := p1.(*transport.Conn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mount == c {
		return
	}
	if s.typ == cmn.ObssGFT {
		if s.mount != nil {
			return // rebind only when absent
		}
		c.SetReceiver(s.ownRecv())
	}
	xlog.Infof("Mount<%s:%s> is on-line", s.gid, s.uid)
	s.mount = c
	s.posCount = 0
	s.mountInfo.State = stateUnknown
}

// onDecoupleMount releases the mount link; only the stored link
// qualifies.
func (s *System) onDecoupleMount(p1, _ any) {
	c := p1.(*transport.Conn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mount != c {
		return
	}
	xlog.Infof("Mount<%s:%s> is off-line", s.gid, s.uid)
	s.mount = nil
	s.mountInfo.State = int(cmn.MountError)
	s.queue.clear(devMount)
	s.lastClosed = time.Now().UTC()
}

func (s *System) onCoupleFocus(p1, _ any) {
	c := p1.(*transport.Conn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focus == c {
		return
	}
	xlog.Infof("Focus<%s:%s> is on-line", s.gid, s.uid)
	s.focus = c
}

func (s *System) onDecoupleFocus(p1, _ any) {
	c := p1.(*transport.Conn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focus != c {
		return
	}
	xlog.Infof("Focus<%s:%s> is off-line", s.gid, s.uid)
	s.focus = nil
	s.queue.clear(devFocus)
	s.lastClosed = time.Now().UTC()
}

// onCoupleCamera adopts a camera link. A cid that already holds a live
// link is rejected; a returning camera gets its last focus position
// replayed and, mid-plan, the plan description and an exposure resume.
func (s *System) onCoupleCamera(p1, p2 any) {
	c := p1.(*transport.Conn)
	cid := p2.(string)

	s.mu.Lock()
	defer s.mu.Unlock()

	cam := s.findCamLocked(cid)
	if cam != nil && cam.conn != nil {
		xlog.Faultf("OBSS<%s:%s> had related camera <%s>", s.gid, s.uid, cid)
		c.Close()
		return
	}
	found := cam != nil
	if found {
		cam.conn = c
		if cam.focState == cmn.FocusIdle && cam.focPos != kv.PosInvalid {
			rec := kv.Focus{
				Base:   kv.Base{Type: kv.TypeFocus, Gid: s.gid, UID: s.uid, Cid: cid},
				Pos:    cam.focPos,
				PosTar: cam.focTar,
			}
			_ = c.Write(rec.String())
		}
	} else {
		cam = &cameraInfo{
			conn:     c,
			focState: cmn.FocusUnknown,
			focPos:   kv.PosInvalid,
			focTar:   kv.PosInvalid,
		}
		cam.info = kv.Camera{Base: kv.Base{Type: kv.TypeCamera, Gid: s.gid, UID: s.uid, Cid: cid}}
		s.cams = append(s.cams, cam)
	}
	xlog.Infof("Camera<%s:%s:%s> is on-line", s.gid, s.uid, cid)
	s.camonline++
	c.SetReceiver(s.ownRecv())

	// resume a running sequence from the deepest frame already taken
	if found && s.plan != nil {
		_ = c.Write(s.plan.String())
		if s.mountInfo.State == int(cmn.MountTracking) {
			frmno := 0
			for _, other := range s.cams {
				if other.info.FrmNo > frmno {
					frmno = other.info.FrmNo
				}
			}
			s.expose2cameraLocked(cmn.ExpStart, frmno, cid)
		}
	}
}

// onLinkClosed handles the death of an owned link (camera or GFT
// mount).
func (s *System) onLinkClosed(p1, p2 any) {
	c := p1.(*transport.Conn)
	err, _ := p2.(error)
	if errors.Is(err, transport.ErrFrameTooLong) {
		xlog.Faultf("protocol length from camera is over than threshold")
	}
	c.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ == cmn.ObssGFT && s.mount == c {
		xlog.Infof("Mount<%s:%s> is off-line", s.gid, s.uid)
		s.mount = nil
		s.mountInfo.State = int(cmn.MountError)
		s.lastClosed = time.Now().UTC()
		stats.ConnsClosed.WithLabelValues(cmn.PeerName(cmn.PeerMountGFT)).Inc()
		return
	}
	cam := s.findCamByConnLocked(c)
	if cam == nil {
		return
	}
	xlog.Infof("Camera<%s:%s:%s> is off-line", s.gid, s.uid, cam.info.Cid)
	if cmn.CamctlState(cam.info.State).Busy() {
		if s.exposing > 0 {
			s.exposing--
		}
	}
	if s.camonline > 0 {
		s.camonline--
	}
	cam.info.State = int(cmn.CamctlError)
	cam.info.Errcode = 1
	cam.conn = nil
	s.lastClosed = time.Now().UTC()
	stats.ConnsClosed.WithLabelValues("camera").Inc()
}

// onLinkFrame decodes one frame from an owned link. Cameras and GFT
// mounts both speak the key/value dialect; an undecodable frame closes
// the link.
func (s *System) onLinkFrame(p1, p2 any) {
	c := p1.(*transport.Conn)
	frame := p2.(string)

	rec, err := kv.Resolve(frame)
	if err != nil {
		xlog.Faultf("undefined protocol from %s<%s:%s>: <%s>",
			cmn.PeerName(c.Peer()), s.gid, s.uid, frame)
		stats.DecodeErrors.WithLabelValues(cmn.PeerName(c.Peer())).Inc()
		c.Close()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch rec := rec.(type) {
	case *kv.Mount:
		s.ingestMountLocked(rec)
	case *kv.Camera:
		s.ingestCameraLocked(c, rec)
	case *kv.CamSet:
		if cam := s.findCamByConnLocked(c); cam != nil {
			cam.camset = *rec
		}
	case *kv.Derot:
		s.ingestDerotLocked(c, rec)
	default:
		// cameras emit nothing else we steer by
	}
}

// ingestDerotLocked caches a derotator position report arriving over a
// camera link.
func (s *System) ingestDerotLocked(c *transport.Conn, rec *kv.Derot) {
	cam := s.findCamByConnLocked(c)
	if cam == nil || rec.OpType != 0 {
		return
	}
	cam.derotEnabled = true
	cam.derotUTC = rec.UTC
	cam.derotState = rec.State
	cam.derotPos = rec.Pos
	cam.derotTar = rec.PosTar
}
