// Package gwac implements the positional ASCII dialect of the GWAC
// mount and focuser endpoints:
//
//	g#GGG[UUU]<verb><payload>%YYYY-MM-DD%hh:mm:ss%SSSSS%
//
// The percent sign is both the field separator and the terminator. The
// dialect has no in-band ACK; a command is acknowledged by a later
// frame whose verb carries the substring "Rec" and whose trailing field
// repeats the command serial.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package gwac

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/salmingo/gtoaesv2/cmn"
)

// Inbound frame types.
const (
	TypeReady    = "ready"
	TypeStatus   = "status"
	TypePos      = "currentpos"
	TypeFocus    = "focus"
	TypeResponse = "rsp"
)

const (
	prefix  = "g#"
	sep     = '%'
	gidLen  = 3
	uidLen  = 3
	maxUnit = 20
)

// PosInvalid marks a focus channel the frame did not report.
const PosInvalid = 999999

// ErrIllegal reports a frame the resolver could not make sense of.
var ErrIllegal = errors.New("illegal protocol")

type (
	// Base is the decoded envelope.
	Base struct {
		Type   string
		Gid    string
		UID    string
		UTC    string // YYYY-MM-DDThh:mm:ss, from the two trailer fields
		Serial int
	}

	// Ready carries per-unit readiness digits for a whole group.
	Ready struct {
		Base
		N     int
		Ready []int
	}

	// Status carries per-unit mount-state digits for a whole group.
	Status struct {
		Base
		N     int
		State []int
	}

	// Position is one unit's current pointing, degrees.
	Position struct {
		Base
		RA  float64
		Dec float64
	}

	// Focus carries the five focus-channel positions of one unit, in
	// steps; channels the frame omitted hold PosInvalid.
	Focus struct {
		Base
		Pos [cmn.GWACUnitCameras]int
	}

	// Response acknowledges the command with the same serial.
	Response struct {
		Base
	}

	// Record is any decoded inbound frame.
	Record interface{ Envelope() *Base }
)

func (b *Base) Envelope() *Base { return b }

// focusChannel maps a probe tag to its channel slot.
func focusChannel(tag string) int {
	switch strings.ToLower(tag) {
	case "es":
		return 0
	case "ws":
		return 1
	case "wn":
		return 2
	case "en":
		return 3
	case "mid":
		return 4
	}
	return -1
}

// Resolve parses one inbound frame.
func Resolve(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, "%") {
		return nil, errors.Wrapf(ErrIllegal, "<%s>", line)
	}
	body := line[len(prefix) : len(line)-1]

	// any "Rec" marks a command acknowledgement; checked ahead of the
	// verbs so that e.g. focusRec never parses as a focus report
	if pos := strings.Index(body, "Rec"); pos > 0 {
		return resolveResponse(body, pos)
	}
	if pos := strings.Index(body, TypeStatus); pos > 0 {
		return resolveDigits(TypeStatus, body, pos)
	}
	if pos := strings.Index(body, TypePos); pos > 0 {
		return resolvePosition(body, pos)
	}
	if pos := strings.Index(body, TypeFocus); pos > 0 {
		return resolveFocus(body, pos)
	}
	if pos := strings.Index(body, TypeReady); pos > 0 {
		return resolveDigits(TypeReady, body, pos)
	}
	return nil, errors.Wrapf(ErrIllegal, "<%s>", line)
}

// trailer consumes `date%time%serial` from the tail fields.
func trailer(b *Base, fields []string) error {
	if len(fields) < 3 {
		return errors.Wrap(ErrIllegal, "short trailer")
	}
	n := len(fields)
	sn, err := strconv.Atoi(fields[n-1])
	if err != nil {
		return errors.Wrapf(ErrIllegal, "serial %q", fields[n-1])
	}
	b.UTC = fields[n-3] + "T" + fields[n-2]
	b.Serial = sn
	return nil
}

func resolveResponse(body string, verb int) (Record, error) {
	if verb < gidLen+uidLen {
		return nil, errors.Wrap(ErrIllegal, "short response")
	}
	rsp := &Response{Base: Base{Type: TypeResponse, Gid: body[:gidLen], UID: body[gidLen : gidLen+uidLen]}}
	rest := body[verb+len("Rec"):]
	if err := trailer(&rsp.Base, strings.Split(strings.Trim(rest, "%"), "%")); err != nil {
		return nil, err
	}
	return rsp, nil
}

// resolveDigits handles the two group-addressed digit sequences
// (status and ready).
func resolveDigits(typ, body string, verb int) (Record, error) {
	gid := body[:verb]
	fields := strings.Split(body[verb+len(typ):], "%")
	digits := fields[0]
	if len(digits) == 0 || len(digits) > maxUnit {
		return nil, errors.Wrapf(ErrIllegal, "%s digits %q", typ, digits)
	}
	vals := make([]int, 0, len(digits))
	for _, ch := range digits {
		if ch < '0' || ch > '9' {
			return nil, errors.Wrapf(ErrIllegal, "%s digits %q", typ, digits)
		}
		vals = append(vals, int(ch-'0'))
	}
	base := Base{Type: typ, Gid: gid}
	if err := trailer(&base, fields); err != nil {
		return nil, err
	}
	if typ == TypeStatus {
		return &Status{Base: base, N: len(vals), State: vals}, nil
	}
	return &Ready{Base: base, N: len(vals), Ready: vals}, nil
}

func resolvePosition(body string, verb int) (Record, error) {
	if verb < gidLen+uidLen {
		return nil, errors.Wrap(ErrIllegal, "short currentpos")
	}
	pos := &Position{Base: Base{Type: TypePos, Gid: body[:verb-uidLen], UID: body[verb-uidLen : verb]}}
	fields := strings.Split(body[verb+len(TypePos):], "%")
	if len(fields) < 2 {
		return nil, errors.Wrap(ErrIllegal, "short currentpos")
	}
	ra, err1 := strconv.Atoi(fields[0])
	dec, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return nil, errors.Wrapf(ErrIllegal, "currentpos <%s%%%s>", fields[0], fields[1])
	}
	pos.RA, pos.Dec = float64(ra)*1e-4, float64(dec)*1e-4
	if err := trailer(&pos.Base, fields[2:]); err != nil {
		return nil, err
	}
	return pos, nil
}

func resolveFocus(body string, verb int) (Record, error) {
	if verb < gidLen+uidLen {
		return nil, errors.Wrap(ErrIllegal, "short focus")
	}
	foc := &Focus{Base: Base{Type: TypeFocus, Gid: body[:verb-uidLen], UID: body[verb-uidLen : verb]}}
	for i := range foc.Pos {
		foc.Pos[i] = PosInvalid
	}
	fields := strings.Split(body[verb+len(TypeFocus):], "%")

	// payload: <tag><signed4> groups, e.g. es+0010en-0030ws+0020wn-0025mid+0015
	payload := fields[0]
	got := false
	for i := 0; i < len(payload); {
		j := i
		for j < len(payload) && isAlpha(payload[j]) {
			j++
		}
		k := j
		for k < len(payload) && !isAlpha(payload[k]) {
			k++
		}
		idx := focusChannel(payload[i:j])
		if idx < 0 || k == j {
			return nil, errors.Wrapf(ErrIllegal, "focus group %q", payload[i:k])
		}
		v, err := strconv.Atoi(payload[j:k])
		if err != nil {
			return nil, errors.Wrapf(ErrIllegal, "focus group %q", payload[i:k])
		}
		foc.Pos[idx] = v
		got = true
		i = k
	}
	if !got {
		return nil, errors.Wrap(ErrIllegal, "empty focus payload")
	}
	if err := trailer(&foc.Base, fields[1:]); err != nil {
		return nil, err
	}
	return foc, nil
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
