// Package kv implements the key/value wire dialect.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package kv

import (
	"strings"
	"testing"
)

func TestResolveAppendGWAC(t *testing.T) {
	line := "append_gwac gid=001,uid=001,plan_sn=P1,ra=10.5,dec=20.25,imgtype=OBJECT," +
		"exptime=5,frmcnt=3,plan_end=2099-01-01T00:00:00\n"
	rec, err := Resolve(line)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	plan, ok := rec.(*AppendPlan)
	if !ok {
		t.Fatalf("expected *AppendPlan, got %T", rec)
	}
	if plan.Type != TypeAppendGWAC {
		t.Errorf("type = %q", plan.Type)
	}
	if plan.Gid != "001" || plan.UID != "001" {
		t.Errorf("envelope = <%s:%s>", plan.Gid, plan.UID)
	}
	if plan.PlanSN != "P1" || plan.RA != 10.5 || plan.Dec != 20.25 {
		t.Errorf("payload: %+v", plan)
	}
	if plan.FrmCnt != 3 || plan.ExpTime != 5 {
		t.Errorf("frmcnt=%d exptime=%v", plan.FrmCnt, plan.ExpTime)
	}
	if plan.PlanEnd != "2099-01-01T00:00:00" {
		t.Errorf("plan_end = %q", plan.PlanEnd)
	}
	// equatorial defaults
	if plan.CoorSys != 1 || plan.Epoch != 2000 {
		t.Errorf("coorsys=%d epoch=%v", plan.CoorSys, plan.Epoch)
	}
	if plan.ObjID != "objt" {
		t.Errorf("objid = %q", plan.ObjID)
	}
}

func TestAppendPlanDefaults(t *testing.T) {
	tests := []struct {
		line    string
		imgtype string
		objid   string
	}{
		{"append_plan gid=001,uid=001,exptime=0\n", "BIAS", "bias"},
		{"append_plan gid=001,uid=001,exptime=10\n", "OBJECT", "objt"},
		{"append_plan gid=001,uid=001,imgtype=DARK,exptime=10\n", "DARK", "dark"},
		{"append_plan gid=001,uid=001,imgtype=FLAT,exptime=2\n", "FLAT", "flat"},
		{"append_plan gid=001,uid=001,imgtype=FOCUS,exptime=2\n", "FOCUS", "focs"},
	}
	for _, test := range tests {
		rec, err := Resolve(test.line)
		if err != nil {
			t.Fatalf("%q: %v", test.line, err)
		}
		plan := rec.(*AppendPlan)
		if plan.ImgType != test.imgtype || plan.ObjID != test.objid {
			t.Errorf("%q: imgtype=%q objid=%q", test.line, plan.ImgType, plan.ObjID)
		}
	}
}

func TestResolveBadNumericFailsRecord(t *testing.T) {
	bad := []string{
		"append_gwac gid=001,uid=001,ra=NaN,dec=20.0\n",
		"append_gwac gid=001,uid=001,ra=abc\n",
		"camera gid=001,uid=001,cid=001,state=x\n",
		"mount gid=001,uid=001,ra=+Inf\n",
		"expose command=one\n",
	}
	for _, line := range bad {
		if _, err := Resolve(line); err == nil {
			t.Errorf("%q: expected failure", line)
		}
	}
}

func TestResolveUnknownType(t *testing.T) {
	if _, err := Resolve("frobnicate a=1\n"); err == nil {
		t.Fatal("expected undefined-protocol error")
	}
}

func TestUnknownKeysPreserved(t *testing.T) {
	rec, err := Resolve("camera gid=001,uid=001,cid=001,state=1,vendor=acme,slot=7\n")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	cam := rec.(*Camera)
	if len(cam.Extra) != 2 || cam.Extra[0].Key != "vendor" || cam.Extra[1].Val != "7" {
		t.Fatalf("extras = %+v", cam.Extra)
	}
	out := cam.String()
	if !strings.Contains(out, "vendor=acme,") || !strings.Contains(out, "slot=7,") {
		t.Fatalf("extras not re-emitted: %q", out)
	}
}

// round trip: encode(decode(s)) keeps every decoded pair, modulo key
// order within the envelope and explicit defaults.
func TestRoundTrip(t *testing.T) {
	lines := []string{
		"plan gid=001,uid=002,plan_sn=P9,tm_start=2024-03-29T13:00:00,state=4\n",
		"mount gid=001,uid=001,state=7,errcode=0,mjd=60000.5,lst=13.5,ra=10.5,dec=20.25,ra2k=10.4,dec2k=20.2,azi=100.5,ele=45.5\n",
		"camera gid=001,uid=001,cid=003,state=2,errcode=0,left=3.5,percent=30.5,coolget=-40,imgtype=OBJECT,filter=r,freedisk=512,plan_sn=P9,loopno=1,frmno=2,filename=a.fit\n",
		"expose gid=001,uid=001,command=0,frmno=0,loopno=0\n",
		"guide gid=001,uid=001,result=0,op=1,ra=5,dec=-3\n",
		"slew gid=001,uid=001,coor_sys=1,ra=100.5,dec=-20.5,epoch=2000\n",
		"sync gid=001,uid=001,ra=10.5,dec=20.5,epoch=2000\n",
		"trackvel gid=001,uid=001,ra=15.041,dec=0.5\n",
		"fwhm gid=001,uid=001,cid=001,fwhm=2.345,tmimg=2024-03-29T13:07:26\n",
		"focus gid=001,uid=001,cid=001,optype=0,state=0,pos=15,posTar=15\n",
		"obss gid=001,uid=001,state=1,mount=1,camera=2\n",
		"geosite optype=1,name=Xinglong,lon=117.5,lat=40.4,alt=900\n",
	}
	for _, line := range lines {
		rec, err := Resolve(line)
		if err != nil {
			t.Fatalf("%q: %v", line, err)
		}
		out := rec.String()
		if !strings.HasSuffix(out, "\n") {
			t.Fatalf("%q: unterminated", out)
		}
		// every input pair survives
		for _, tok := range strings.Split(strings.TrimSpace(strings.SplitN(line, " ", 2)[1]), ",") {
			if tok == "" {
				continue
			}
			if !strings.Contains(out, tok+",") && !strings.Contains(out, tok+"\n") {
				t.Errorf("%q: pair %q lost in %q", line, tok, out)
			}
		}
		// decode again, same type
		again, err := Resolve(out)
		if err != nil {
			t.Fatalf("re-resolve %q: %v", out, err)
		}
		if again.Base().Type != rec.Base().Type {
			t.Errorf("type changed: %q -> %q", rec.Base().Type, again.Base().Type)
		}
	}
}

func TestEnvelopeOmitsEmptyKeys(t *testing.T) {
	rec := &Abort{Base: Base{Type: TypeAbort, Gid: "001"}}
	out := rec.String()
	if out != "abort gid=001,\n" {
		t.Fatalf("envelope = %q", out)
	}
}

func TestCheckPlanRequiresSerial(t *testing.T) {
	if _, err := Resolve("check_plan gid=001\n"); err == nil {
		t.Fatal("check_plan without plan_sn must fail")
	}
	rec, err := Resolve("check_plan gid=001,plan_sn=P1\n")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rec.(*CheckPlan).PlanSN != "P1" {
		t.Fatal("plan_sn lost")
	}
}

func TestTakeImageRebranded(t *testing.T) {
	rec, err := Resolve("take_image gid=001,uid=001,cid=001,exptime=0\n")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	plan := rec.(*AppendPlan)
	if plan.Type != TypeTakeImage {
		t.Fatalf("type = %q", plan.Type)
	}
	if plan.ImgType != "BIAS" {
		t.Fatalf("imgtype = %q", plan.ImgType)
	}
}

func TestTypeDispatchCaseInsensitive(t *testing.T) {
	rec, err := Resolve("ABORT gid=001\n")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rec.Base().Type != TypeAbort {
		t.Fatalf("type = %q", rec.Base().Type)
	}
}
