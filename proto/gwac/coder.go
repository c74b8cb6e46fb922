// Package gwac implements the positional ASCII dialect of the GWAC
// mount and focuser endpoints.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package gwac

import (
	"fmt"
	"sync"
	"time"

	"github.com/salmingo/gtoaesv2/cmn"
)

type (
	// Serial issues command serials for one observation system:
	// [1..99999], wrapping back to 1, never 0.
	Serial struct {
		mu sync.Mutex
		sn int
	}

	// Coder assembles outbound commands for one (gid, uid). Each method
	// returns the framed bytes and the serial embedded in them, so the
	// caller can queue the command for retransmission before writing.
	Coder struct {
		Gid string
		UID string
		SN  *Serial
	}
)

func (s *Serial) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sn++
	if s.sn > cmn.SerialMax {
		s.sn = cmn.SerialMin
	}
	return s.sn
}

// frame appends the `%date%time%serial%` trailer and the newline.
func (c *Coder) frame(head string) (string, int) {
	utc := time.Now().UTC()
	sn := c.SN.Next()
	return fmt.Sprintf("%s%%%s%%%s%%%05d%%\n",
		head, utc.Format("2006-01-02"), utc.Format("15:04:05"), sn), sn
}

// Slew points the mount; ra and dec in degrees.
func (c *Coder) Slew(ra, dec float64) (string, int) {
	return c.frame(fmt.Sprintf("%s%s%sslew%07d%%%+08d",
		prefix, c.Gid, c.UID, int(ra*10000), int(dec*10000)))
}

// SlewHD points the mount by hour angle and declination; a negative
// hour angle is normalized by +360.
func (c *Coder) SlewHD(ha, dec float64) (string, int) {
	if ha < 0 {
		ha += 360
	}
	return c.frame(fmt.Sprintf("%s%s%sHA%07d%%%+08d",
		prefix, c.Gid, c.UID, int(ha*10000), int(dec*10000)))
}

// HomeSync declares the current pointing to be the given coordinates.
func (c *Coder) HomeSync(ra, dec float64) (string, int) {
	return c.frame(fmt.Sprintf("%s%s%ssync%07d%%%+08d",
		prefix, c.Gid, c.UID, int(ra*10000), int(dec*10000)))
}

// FindHome starts a zero-point search on the selected axes.
func (c *Coder) FindHome(ra, dec bool) (string, int) {
	return c.frame(fmt.Sprintf("%s%s%shomera%ddec%d",
		prefix, c.Gid, c.UID, b2i(ra), b2i(dec)))
}

// Guide applies a pointing correction; offsets in arcseconds.
func (c *Coder) Guide(ra, dec int) (string, int) {
	return c.frame(fmt.Sprintf("%s%s%sguide%+06d%%%+06d",
		prefix, c.Gid, c.UID, ra, dec))
}

// Park sends the mount to its rest position.
func (c *Coder) Park() (string, int) {
	return c.frame(fmt.Sprintf("%s%s%spark", prefix, c.Gid, c.UID))
}

// AbortSlew stops pointing and tracking.
func (c *Coder) AbortSlew() (string, int) {
	return c.frame(fmt.Sprintf("%s%s%sabortslew", prefix, c.Gid, c.UID))
}

// Track switches the mount into sidereal tracking.
func (c *Coder) Track() (string, int) {
	return c.frame(fmt.Sprintf("%s%s%strack", prefix, c.Gid, c.UID))
}

// TrackVel sets the tracking rate; fixed point at one thousandth.
func (c *Coder) TrackVel(ra, dec float64) (string, int) {
	return c.frame(fmt.Sprintf("%s%s%strackvel%+07d%%%+07d",
		prefix, c.Gid, c.UID, int(ra*1000), int(dec*1000)))
}

// Focus commands a relative focuser move for one camera channel.
func (c *Coder) Focus(cid string, relPos int) (string, int) {
	return c.frame(fmt.Sprintf("%s%s%sfocus%s%+05d",
		prefix, c.Gid, c.UID, cid, relPos))
}

// FocusSync re-zeroes one camera channel's focus scale.
func (c *Coder) FocusSync(cid string) (string, int) {
	return c.frame(fmt.Sprintf("%s%s%sfocussync%s", prefix, c.Gid, c.UID, cid))
}

// FWHM feeds an image-quality sample to the focuser's closed loop; the
// value travels at one-thousandth fixed point, the image time as
// Thhmmsssss.
func (c *Coder) FWHM(cid string, fwhm float64, tmimg time.Time) (string, int) {
	return c.frame(fmt.Sprintf("%s%s%sfwhm%s%06dT%s%03d",
		prefix, c.Gid, c.UID, cid, int(fwhm*1000),
		tmimg.Format("150405"), tmimg.Nanosecond()/1e6))
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
