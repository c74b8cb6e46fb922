// Package dispatch implements the general control layer.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package dispatch

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/salmingo/gtoaesv2/cmn"
)

// freePorts grabs n distinct ephemeral ports.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			t.Fatalf("reserve port: %v", err)
		}
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	return ports
}

type peerConn struct {
	nc    net.Conn
	lines chan string
}

func dialPeer(t *testing.T, port int) *peerConn {
	t.Helper()
	var (
		nc  net.Conn
		err error
	)
	for i := 0; i < 50; i++ {
		nc, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial :%d: %v", port, err)
	}
	pc := &peerConn{nc: nc, lines: make(chan string, 256)}
	go func() {
		scanner := bufio.NewScanner(nc)
		for scanner.Scan() {
			pc.lines <- scanner.Text()
		}
		close(pc.lines)
	}()
	return pc
}

func (pc *peerConn) send(t *testing.T, line string) {
	t.Helper()
	if _, err := pc.nc.Write([]byte(line)); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

// next waits for a line containing substr, discarding the rest.
func (pc *peerConn) next(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-pc.lines:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", substr)
			}
			if strings.Contains(line, substr) {
				return line
			}
		case <-deadline:
			t.Fatalf("no line containing %q", substr)
		}
	}
}

func (pc *peerConn) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-pc.lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection not closed")
		}
	}
}

// testControl starts a full service on ephemeral ports.
func testControl(t *testing.T) (*GeneralControl, *cmn.Config) {
	t.Helper()
	ports := freePorts(t, 6)
	cfg := cmn.DefaultConfig()
	cfg.LogDir = ""
	cfg.MetricsAdr = ""
	cfg.Ports = cmn.Ports{
		Client:     ports[0],
		MountGWAC:  ports[1],
		CameraGWAC: ports[2],
		FocusGWAC:  ports[3],
		MountGFT:   ports[4],
		CameraGFT:  ports[5],
	}
	gc := New(cfg)
	if err := gc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(gc.Stop)
	return gc, cfg
}

func (gc *GeneralControl) systemCount() int {
	gc.muObss.Lock()
	defer gc.muObss.Unlock()
	return len(gc.systems)
}

// waitCamera blocks until unit uid has n adopted cameras.
func waitCamera(t *testing.T, gc *GeneralControl, uid string, n int) {
	t.Helper()
	waitFor(t, "camera adoption", func() bool {
		gc.muObss.Lock()
		defer gc.muObss.Unlock()
		for _, sys := range gc.systems {
			if sys.UID() == uid {
				_, cams := sys.Snapshot()
				return len(cams) == n
			}
		}
		return false
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// A GWAC group status frame fans out into one observation system per
// configured unit, and a plan drives slew, exposure, and completion.
func TestHappyGWACPlan(t *testing.T) {
	gc, cfg := testControl(t)

	mount := dialPeer(t, cfg.Ports.MountGWAC)
	mount.send(t, "g#001status1111100000%2024-03-29%13:07:26%32846%\n")
	waitFor(t, "five observation systems", func() bool { return gc.systemCount() == 5 })

	camera := dialPeer(t, cfg.Ports.CameraGWAC)
	camera.send(t, "camera gid=001,uid=001,cid=001,state=1\n")
	waitCamera(t, gc, "001", 1)
	if gc.devPool.Len() != 1 { // the shared mount link stays pooled
		t.Fatalf("device pool = %d", gc.devPool.Len())
	}

	client := dialPeer(t, cfg.Ports.Client)
	client.send(t, "append_gwac gid=001,uid=001,plan_sn=P1,ra=10.0,dec=20.0,"+
		"imgtype=OBJECT,exptime=5,frmcnt=3,plan_end=2099-01-01T00:00:00\n")

	slew := mount.next(t, "slew")
	if !strings.HasPrefix(slew, "g#001001slew0100000%+0200000%") {
		t.Fatalf("slew = %q", slew)
	}
	// plan status reaches the client: cataloged then running
	cataloged := client.next(t, "plan_sn=P1")
	if !strings.Contains(cataloged, "state=1") {
		t.Fatalf("first plan record = %q", cataloged)
	}
	running := client.next(t, "plan_sn=P1")
	if !strings.Contains(running, "state=4") {
		t.Fatalf("second plan record = %q", running)
	}

	// unit 1 tracks; the camera is told to start
	mount.send(t, "g#001status7111100000%2024-03-29%13:07:30%32847%\n")
	expose := camera.next(t, "expose")
	if !strings.Contains(expose, "command=0") || !strings.Contains(expose, "frmno=0") {
		t.Fatalf("expose = %q", expose)
	}

	// camera runs the sequence and returns to idle: plan is over
	camera.send(t, "camera gid=001,uid=001,cid=001,state=2\n")
	camera.send(t, "camera gid=001,uid=001,cid=001,state=3\n")
	camera.send(t, "camera gid=001,uid=001,cid=001,state=1\n")
	over := client.next(t, "plan_sn=P1")
	if !strings.Contains(over, "state=5") {
		t.Fatalf("final plan record = %q", over)
	}
}

// A client abort during a running plan stops mount and camera and
// interrupts the plan.
func TestAbortPreemptsPlan(t *testing.T) {
	gc, cfg := testControl(t)

	mount := dialPeer(t, cfg.Ports.MountGWAC)
	mount.send(t, "g#001status1111100000%2024-03-29%13:07:26%32846%\n")
	camera := dialPeer(t, cfg.Ports.CameraGWAC)
	camera.send(t, "camera gid=001,uid=001,cid=001,state=1\n")
	waitCamera(t, gc, "001", 1)
	client := dialPeer(t, cfg.Ports.Client)
	client.send(t, "append_gwac gid=001,uid=001,plan_sn=P2,ra=10.0,dec=20.0,imgtype=OBJECT,exptime=5,frmcnt=3\n")
	mount.next(t, "slew")
	client.next(t, "state=4")
	mount.send(t, "g#001status7111100000%2024-03-29%13:07:30%32847%\n")
	camera.next(t, "expose")
	camera.send(t, "camera gid=001,uid=001,cid=001,state=2\n")

	client.send(t, "abort gid=001,uid=001\n")
	abort := mount.next(t, "abortslew")
	if !strings.HasPrefix(abort, "g#001001abortslew%") {
		t.Fatalf("abort = %q", abort)
	}
	stop := camera.next(t, "expose")
	if !strings.Contains(stop, "command=1") {
		t.Fatalf("stop = %q", stop)
	}
	client.next(t, "state=6")
}

// An undecodable client frame closes the connection without touching
// any observation system.
func TestBadClientFrameCloses(t *testing.T) {
	gc, cfg := testControl(t)

	client := dialPeer(t, cfg.Ports.Client)
	client.send(t, "append_gwac ra=NaN,dec=20.0\n")
	client.expectClosed(t)
	if gc.systemCount() != 0 {
		t.Fatalf("systems = %d", gc.systemCount())
	}
}

// A mount disconnect starts the idle clock; past the threshold the
// sweep removes the systems and the broadcast stops mentioning them.
func TestObssGC(t *testing.T) {
	gc, cfg := testControl(t)

	mount := dialPeer(t, cfg.Ports.MountGWAC)
	mount.send(t, "g#001status1111100000%2024-03-29%13:07:26%32846%\n")
	waitFor(t, "five observation systems", func() bool { return gc.systemCount() == 5 })

	_ = mount.nc.Close()
	waitFor(t, "device pool drained", func() bool { return gc.devPool.Len() == 0 })
	waitFor(t, "mount decoupled everywhere", func() bool {
		now := time.Now().UTC().Add((cmn.GCIdleSec + 1) * time.Second)
		gc.muObss.Lock()
		defer gc.muObss.Unlock()
		for _, sys := range gc.systems {
			if sys.LastClosed(now) <= cmn.GCIdleSec {
				return false
			}
		}
		return true
	})

	// not collectable inside the idle window
	gc.sweepIdle(time.Now().UTC())
	if gc.systemCount() != 5 {
		t.Fatalf("systems swept early: %d", gc.systemCount())
	}
	// collectable past it
	gc.sweepIdle(time.Now().UTC().Add((cmn.GCIdleSec + 1) * time.Second))
	if gc.systemCount() != 0 {
		t.Fatalf("systems left: %d", gc.systemCount())
	}
}

// The focuser frame feeds five channels; the center probe lands on
// camera 001 and is echoed once settled.
func TestFocusFanout(t *testing.T) {
	gc, cfg := testControl(t)

	camera := dialPeer(t, cfg.Ports.CameraGWAC)
	camera.send(t, "camera gid=001,uid=001,cid=001,state=1\n")
	waitCamera(t, gc, "001", 1)
	focus := dialPeer(t, cfg.Ports.FocusGWAC)
	for i := 0; i < 4; i++ {
		focus.send(t, fmt.Sprintf(
			"g#001001focuses+0010en-0030ws+0020wn-0025mid+0015%%2024-03-29%%13:07:%02d%%0000%d%%\n", 20+i, i+1))
	}
	echo := camera.next(t, "focus")
	if !strings.Contains(echo, "pos=15") || !strings.Contains(echo, "posTar=15") {
		t.Fatalf("echo = %q", echo)
	}

	client := dialPeer(t, cfg.Ports.Client)
	client.send(t, "fwhm gid=001,uid=001,cid=001,fwhm=2.345,tmimg=2024-03-29T13:07:26\n")
	cmd := focus.next(t, "fwhm")
	if !strings.HasPrefix(cmd, "g#001001fwhm001002345T130726000%") {
		t.Fatalf("fwhm = %q", cmd)
	}
}

// check_plan answers the submitting client; remove_plan interrupts and
// reports deleted.
func TestCheckAndRemovePlan(t *testing.T) {
	gc, cfg := testControl(t)

	mount := dialPeer(t, cfg.Ports.MountGWAC)
	mount.send(t, "g#001status1111100000%2024-03-29%13:07:26%32846%\n")
	camera := dialPeer(t, cfg.Ports.CameraGWAC)
	camera.send(t, "camera gid=001,uid=001,cid=001,state=1\n")
	waitCamera(t, gc, "001", 1)
	client := dialPeer(t, cfg.Ports.Client)
	client.send(t, "append_gwac gid=001,uid=001,plan_sn=P7,ra=10.0,dec=20.0,imgtype=OBJECT,exptime=5,frmcnt=3\n")
	client.next(t, "state=4")

	client.send(t, "check_plan gid=001,uid=001,plan_sn=P7\n")
	status := client.next(t, "plan_sn=P7")
	if !strings.Contains(status, "state=4") {
		t.Fatalf("check_plan answer = %q", status)
	}

	client.send(t, "remove_plan gid=001,uid=001,plan_sn=P7\n")
	mount.next(t, "abortslew")
	client.next(t, "state=8")
}

// The periodic broadcast carries mount and camera snapshots to every
// client.
func TestStatusBroadcast(t *testing.T) {
	gc, cfg := testControl(t)
	_ = gc

	mount := dialPeer(t, cfg.Ports.MountGWAC)
	mount.send(t, "g#001status1111100000%2024-03-29%13:07:26%32846%\n")
	camera := dialPeer(t, cfg.Ports.CameraGWAC)
	camera.send(t, "camera gid=001,uid=001,cid=001,state=1\n")

	client := dialPeer(t, cfg.Ports.Client)
	mnt := client.next(t, "mount ")
	if !strings.Contains(mnt, "gid=001") {
		t.Fatalf("mount broadcast = %q", mnt)
	}
	cam := client.next(t, "camera ")
	if !strings.Contains(cam, "cid=001") {
		t.Fatalf("camera broadcast = %q", cam)
	}
}

// A GFT mount link moves out of the device pool into its system on the
// first status record.
func TestGFTMountAdoption(t *testing.T) {
	gc, cfg := testControl(t)

	mount := dialPeer(t, cfg.Ports.MountGFT)
	mount.send(t, "mount gid=002,uid=001,state=1,errcode=0,ra=100.0,dec=20.0\n")
	waitFor(t, "adoption", func() bool {
		return gc.systemCount() == 1 && gc.devPool.Len() == 0
	})
}
