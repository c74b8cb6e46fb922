// Package kv implements the key/value wire dialect spoken by operator
// clients, GFT devices, and all cameras:
//
//	type key=value,key=value,...\n
//
// Records share a common envelope (utc, gid, uid, cid); every other
// pair lands in the typed payload, with unrecognized keys preserved in
// order. A malformed numeric anywhere fails the whole record.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package kv

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/salmingo/gtoaesv2/cmn"
)

// Record types.
const (
	TypeAppendPlan = "append_plan"
	TypeAppendGWAC = "append_gwac"
	TypeCheckPlan  = "check_plan"
	TypeRemovePlan = "remove_plan"
	TypePlan       = "plan"
	TypeAbort      = "abort"
	TypeOBSS       = "obss"
	TypeSlewto     = "slew"
	TypePark       = "park"
	TypeGuide      = "guide"
	TypeHome       = "home"
	TypeSync       = "sync"
	TypeMount      = "mount"
	TypeTakeImage  = "take_image"
	TypeExpose     = "expose"
	TypeCamSet     = "camset"
	TypeCamera     = "camera"
	TypeFocus      = "focus"
	TypeFocusSync  = "focus_sync"
	TypeFWHM       = "fwhm"
	TypeTrack      = "track"
	TypeTrackVel   = "trackvel"
	TypeDerot      = "derot"
	TypeDome       = "dome"
	TypeMCover     = "mcover"
	TypeFilter     = "filter"
	TypeGeoSite    = "geosite"
)

// ErrUndefined reports a frame no resolver recognized or a payload with
// a malformed numeric.
var ErrUndefined = errors.New("undefined protocol")

// Invalid focus position placeholder.
const PosInvalid = 999999

type (
	// Pair is one keyword=value item.
	Pair struct {
		Key string
		Val string
	}

	// Base is the envelope every record carries. Extra keeps pairs the
	// typed payload did not claim, in arrival order.
	Base struct {
		Type  string
		UTC   string
		Gid   string
		UID   string
		Cid   string
		Extra []Pair
	}

	// Record is the decoded form of one framed line.
	Record interface {
		Base() *Base
		String() string
	}
)

func (b *Base) Base() *Base { return b }

// StampUTC sets the envelope timestamp to the current UTC second.
func (b *Base) StampUTC() {
	b.UTC = time.Now().UTC().Format(cmn.TimeLayout)
}

// envelope writes `type utc=…,gid=…,uid=…,cid=…,`; empty keys are omitted.
func (b *Base) envelope(sb *strings.Builder) {
	sb.WriteString(b.Type)
	sb.WriteByte(' ')
	if b.UTC != "" {
		joinKV(sb, "utc", b.UTC)
	}
	if b.Gid != "" {
		joinKV(sb, "gid", b.Gid)
	}
	if b.UID != "" {
		joinKV(sb, "uid", b.UID)
	}
	if b.Cid != "" {
		joinKV(sb, "cid", b.Cid)
	}
}

// extras re-emits unclaimed pairs and terminates the frame.
func (b *Base) extras(sb *strings.Builder) string {
	for _, p := range b.Extra {
		joinKV(sb, p.Key, p.Val)
	}
	sb.WriteByte('\n')
	return sb.String()
}

func joinKV(sb *strings.Builder, key string, val any) {
	fmt.Fprintf(sb, "%s=%v,", key, val)
}
