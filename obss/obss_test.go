// Package obss implements the observation system.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package obss

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/proto/kv"
	"github.com/salmingo/gtoaesv2/transport"
)

// pipeLink is a device endpoint for tests: the local side wrapped as a
// transport connection, the remote side pumped line by line.
type pipeLink struct {
	conn   *transport.Conn
	remote net.Conn
	lines  chan string
}

func newLink(peer int) *pipeLink {
	local, remote := net.Pipe()
	pl := &pipeLink{
		conn:   transport.NewConn(local, peer, func(*transport.Conn, string, error) {}),
		remote: remote,
		lines:  make(chan string, 256),
	}
	go pl.pump()
	go pl.conn.Serve()
	return pl
}

func (pl *pipeLink) pump() {
	scanner := bufio.NewScanner(pl.remote)
	for scanner.Scan() {
		pl.lines <- scanner.Text()
	}
	close(pl.lines)
}

// send injects one device frame.
func (pl *pipeLink) send(line string) {
	_, _ = pl.remote.Write([]byte(line))
}

// next waits for the next line containing substr, discarding others.
func (pl *pipeLink) next(substr string) string {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-pl.lines:
			if !ok {
				Fail("link closed while waiting for " + substr)
			}
			if strings.Contains(line, substr) {
				return line
			}
		case <-deadline:
			Fail("no line containing " + substr)
		}
	}
}

// quiet asserts nothing containing substr arrives for the window.
func (pl *pipeLink) quiet(substr string, window time.Duration) {
	deadline := time.After(window)
	for {
		select {
		case line, ok := <-pl.lines:
			if ok && strings.Contains(line, substr) {
				Fail("unexpected line: " + line)
			}
			if !ok {
				return
			}
		case <-deadline:
			return
		}
	}
}

// gwacSerial extracts the trailing serial of a positional command.
func gwacSerial(line string) int {
	fields := strings.Split(strings.Trim(line, "%"), "%")
	sn, err := strconv.Atoi(fields[len(fields)-1])
	Expect(err).NotTo(HaveOccurred())
	return sn
}

// planWatch collects plan-status transitions.
type planWatch struct {
	mu     sync.Mutex
	states []cmn.PlanState
}

func (w *planWatch) cb(ps *kv.PlanStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, cmn.PlanState(ps.State))
}

func (w *planWatch) all() []cmn.PlanState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]cmn.PlanState, len(w.states))
	copy(out, w.states)
	return out
}

func (s *System) exposingNow() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exposing
}

func (s *System) onlineNow() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.camonline
}

func (s *System) planStateNow() cmn.PlanState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cmn.PlanState(s.planStatus.State)
}

var _ = Describe("ObservationSystem", func() {
	var (
		sys   *System
		watch *planWatch
	)

	newGWAC := func() {
		watch = &planWatch{}
		sys = New("001", "001", cmn.ObssGWAC, watch.cb)
		Expect(sys.Start()).To(Succeed())
	}

	AfterEach(func() {
		if sys != nil {
			sys.Stop()
			sys = nil
		}
	})

	Describe("IsMatched", func() {
		It("follows the empty-propagation rule", func() {
			newGWAC()
			Expect(sys.IsMatched("", "")).To(BeTrue())
			Expect(sys.IsMatched("001", "")).To(BeTrue())
			Expect(sys.IsMatched("001", "001")).To(BeTrue())
			Expect(sys.IsMatched("002", "")).To(BeFalse())
			Expect(sys.IsMatched("002", "001")).To(BeFalse())
			Expect(sys.IsMatched("001", "002")).To(BeFalse())
			// a bare matching uid is not enough
			Expect(sys.IsMatched("", "001")).To(BeFalse())
		})
	})

	Describe("plan lifecycle", func() {
		It("runs a GWAC plan from cataloged to over", func() {
			newGWAC()
			mount := newLink(cmn.PeerMountGWAC)
			camera := newLink(cmn.PeerCameraGWAC)

			sys.CoupleMount(mount.conn)
			sys.NotifyMountState(int(cmn.MountFreeze))
			sys.CoupleCamera(camera.conn, "001")
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(1))

			rec, err := kv.Resolve("append_gwac gid=001,uid=001,plan_sn=P1,ra=10.0,dec=20.0," +
				"imgtype=OBJECT,exptime=5,frmcnt=3,plan_end=2099-01-01T00:00:00\n")
			Expect(err).NotTo(HaveOccurred())
			sys.NotifyPlan(rec.(*kv.AppendPlan))

			// pointing goes out on the mount link
			slew := mount.next("slew")
			Expect(slew).To(HavePrefix("g#001001slew0100000%+0200000%"))
			// the cameras get the sequence description
			camera.next("append_gwac")
			Eventually(sys.planStateNow, 3*time.Second).Should(Equal(cmn.PlanRunning))

			// pointing settles; exposure starts
			sys.NotifyMountState(int(cmn.MountTracking))
			Expect(camera.next("expose")).To(ContainSubstring("command=0"))

			// the camera walks through its exposure and back to idle
			camera.send("camera gid=001,uid=001,cid=001,state=2\n")
			Eventually(sys.exposingNow, 3*time.Second).Should(Equal(1))
			camera.send("camera gid=001,uid=001,cid=001,state=3\n")
			camera.send("camera gid=001,uid=001,cid=001,state=1\n")
			Eventually(sys.planStateNow, 3*time.Second).Should(Equal(cmn.PlanOver))
			Expect(watch.all()).To(Equal([]cmn.PlanState{
				cmn.PlanCataloged, cmn.PlanRunning, cmn.PlanOver,
			}))
		})

		It("interrupts a running plan on abort", func() {
			newGWAC()
			mount := newLink(cmn.PeerMountGWAC)
			camera := newLink(cmn.PeerCameraGWAC)
			sys.CoupleMount(mount.conn)
			sys.NotifyMountState(int(cmn.MountFreeze))
			sys.CoupleCamera(camera.conn, "001")
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(1))

			rec, _ := kv.Resolve("append_gwac gid=001,uid=001,plan_sn=P2,ra=10.0,dec=20.0,imgtype=OBJECT,exptime=5,frmcnt=3\n")
			sys.NotifyPlan(rec.(*kv.AppendPlan))
			mount.next("slew")
			sys.NotifyMountState(int(cmn.MountTracking))
			camera.next("expose")
			camera.send("camera gid=001,uid=001,cid=001,state=2\n")
			Eventually(sys.exposingNow, 3*time.Second).Should(Equal(1))

			sys.Abort()
			Expect(mount.next("abortslew")).To(HavePrefix("g#001001abortslew%"))
			Expect(camera.next("expose")).To(ContainSubstring("command=1"))
			Eventually(sys.planStateNow, 3*time.Second).Should(Equal(cmn.PlanInterrupted))
		})

		It("keeps bias plans off the mount", func() {
			newGWAC()
			mount := newLink(cmn.PeerMountGWAC)
			camera := newLink(cmn.PeerCameraGWAC)
			sys.CoupleMount(mount.conn)
			sys.NotifyMountState(int(cmn.MountFreeze))
			sys.CoupleCamera(camera.conn, "001")
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(1))

			rec, _ := kv.Resolve("append_gwac gid=001,uid=001,plan_sn=P3,exptime=0,frmcnt=5\n")
			sys.NotifyPlan(rec.(*kv.AppendPlan))

			// no slew: the exposure starts at once
			Expect(camera.next("expose")).To(ContainSubstring("command=0"))
			mount.quiet("slew", 300*time.Millisecond)
			Eventually(sys.planStateNow, 3*time.Second).Should(Equal(cmn.PlanRunning))
		})
	})

	Describe("retransmission", func() {
		It("re-sends an unacknowledged command and gives up after the cap", func() {
			newGWAC()
			mount := newLink(cmn.PeerMountGWAC)
			sys.CoupleMount(mount.conn)
			sys.NotifyMountState(int(cmn.MountFreeze))

			rec, _ := kv.Resolve("slew gid=001,uid=001,ra=15.0,dec=-5.0\n")
			sys.Slewto(rec.(*kv.Slewto))
			first := mount.next("slew")
			Eventually(sys.queue.size, time.Second).Should(Equal(1))

			// three identical retransmissions, one second apart
			for i := 0; i < cmn.RetryMax; i++ {
				Expect(mount.next("slew")).To(Equal(first))
			}
			// then the entry is dropped
			Eventually(sys.queue.size, 3*time.Second).Should(Equal(0))
			mount.quiet("slew", 1500*time.Millisecond)
		})

		It("pops the queue on a matching response", func() {
			newGWAC()
			mount := newLink(cmn.PeerMountGWAC)
			sys.CoupleMount(mount.conn)
			sys.NotifyMountState(int(cmn.MountFreeze))

			rec, _ := kv.Resolve("slew gid=001,uid=001,ra=15.0,dec=-5.0\n")
			sys.Slewto(rec.(*kv.Slewto))
			line := mount.next("slew")
			Eventually(sys.queue.size, time.Second).Should(Equal(1))

			sys.NotifyResponse(gwacSerial(line))
			Eventually(sys.queue.size, time.Second).Should(Equal(0))
		})
	})

	Describe("camera ownership", func() {
		It("keeps one live link per cid and adopts the latest after a drop", func() {
			newGWAC()
			cam1 := newLink(cmn.PeerCameraGWAC)
			sys.CoupleCamera(cam1.conn, "001")
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(1))

			// second link on the same cid is rejected and closed
			cam2 := newLink(cmn.PeerCameraGWAC)
			sys.CoupleCamera(cam2.conn, "001")
			Eventually(cam2.lines, 3*time.Second).Should(BeClosed())
			Expect(sys.onlineNow()).To(Equal(1))

			// after the first link dies, a new one is adopted
			cam1.conn.Close()
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(0))
			cam3 := newLink(cmn.PeerCameraGWAC)
			sys.CoupleCamera(cam3.conn, "001")
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(1))
		})
	})

	Describe("focus", func() {
		It("closes the loop: fwhm out, settled position echoed to the camera", func() {
			newGWAC()
			focus := newLink(cmn.PeerFocus)
			camera := newLink(cmn.PeerCameraGWAC)
			sys.CoupleFocus(focus.conn)
			sys.CoupleCamera(camera.conn, "001")
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(1))

			// image quality sample drives the focuser
			rec, _ := kv.Resolve("fwhm gid=001,uid=001,cid=001,fwhm=2.345,tmimg=2024-03-29T13:07:26\n")
			sys.NotifyFWHM(rec.(*kv.FWHM))
			Expect(focus.next("fwhm")).To(HavePrefix("g#001001fwhm001002345T130726000%"))

			// the same value again is deduplicated
			sys.NotifyFWHM(rec.(*kv.FWHM))
			focus.quiet("fwhm", 300*time.Millisecond)

			// position settles over repeated samples; the camera hears it
			for i := 0; i < 4; i++ {
				sys.NotifyFocus("001", 15)
			}
			echo := camera.next("focus")
			Expect(echo).To(ContainSubstring("pos=15"))
			Expect(echo).To(ContainSubstring("posTar=15"))
		})

		It("commands a relative move and reports the mismatch on settle", func() {
			newGWAC()
			focus := newLink(cmn.PeerFocus)
			camera := newLink(cmn.PeerCameraGWAC)
			sys.CoupleFocus(focus.conn)
			sys.CoupleCamera(camera.conn, "001")
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(1))

			// seed the current position
			sys.NotifyFocus("001", 10)

			rec, _ := kv.Resolve("focus gid=001,uid=001,cid=001,optype=1,relpos=30\n")
			sys.Focus(rec.(*kv.Focus))
			Expect(focus.next("focus001")).To(HavePrefix("g#001001focus001+0030%"))

			// settles short of the target: echoed anyway, sub-state idle
			sys.NotifyFocus("001", 35)
			for i := 0; i < 3; i++ {
				sys.NotifyFocus("001", 35)
			}
			echo := camera.next("focus")
			Expect(echo).To(ContainSubstring("pos=35"))
			Expect(echo).To(ContainSubstring("posTar=40"))
		})
	})

	Describe("take_image", func() {
		It("synthesizes a one-shot plan for the addressed camera", func() {
			newGWAC()
			cam1 := newLink(cmn.PeerCameraGWAC)
			cam2 := newLink(cmn.PeerCameraGWAC)
			sys.CoupleCamera(cam1.conn, "001")
			sys.CoupleCamera(cam2.conn, "002")
			Eventually(sys.onlineNow, 3*time.Second).Should(Equal(2))

			rec, _ := kv.Resolve("take_image gid=001,uid=001,cid=001,exptime=0\n")
			sys.TakeImage(rec.(*kv.AppendPlan))

			desc := cam1.next("append_gwac")
			Expect(desc).To(ContainSubstring("imgtype=BIAS"))
			Expect(desc).To(ContainSubstring("plan_sn=001001_"))
			Expect(desc).To(ContainSubstring("frmcnt=1"))
			Expect(cam1.next("expose")).To(ContainSubstring("command=0"))
			cam2.quiet("expose", 300*time.Millisecond)
			Eventually(sys.planStateNow, 3*time.Second).Should(Equal(cmn.PlanRunning))

			// a plan submission during the manual exposure is rejected
			plan, _ := kv.Resolve("append_gwac gid=001,uid=001,plan_sn=P5,ra=1.0,dec=2.0,exptime=3\n")
			sys.NotifyPlan(plan.(*kv.AppendPlan))
			Consistently(sys.planStateNow, 300*time.Millisecond).Should(Equal(cmn.PlanRunning))
		})
	})

	Describe("garbage-collection predicate", func() {
		It("is collectable only once every link is gone and the idle window passed", func() {
			newGWAC()
			mount := newLink(cmn.PeerMountGWAC)
			sys.CoupleMount(mount.conn)
			Eventually(func() int {
				return sys.LastClosed(time.Now().UTC().Add(301 * time.Second))
			}, 3*time.Second).Should(Equal(0))

			sys.DecoupleMount(mount.conn)
			Eventually(func() int {
				return sys.LastClosed(time.Now().UTC().Add(301 * time.Second))
			}, 3*time.Second).Should(BeNumerically(">", cmn.GCIdleSec))
			Expect(sys.LastClosed(time.Now().UTC())).To(BeNumerically("<=", 1))
		})
	})

	Describe("device-gated verbs", func() {
		It("rejects mount verbs while the mount is offline", func() {
			newGWAC()
			rec, _ := kv.Resolve("slew gid=001,uid=001,ra=15.0,dec=-5.0\n")
			sys.Slewto(rec.(*kv.Slewto))
			sys.Track()
			sys.Park()
			sys.FindHome()
			Consistently(sys.queue.size, 300*time.Millisecond).Should(Equal(0))
		})

		It("requires a stationary mount for track and tracking for trackvel", func() {
			newGWAC()
			mount := newLink(cmn.PeerMountGWAC)
			sys.CoupleMount(mount.conn)
			sys.NotifyMountState(int(cmn.MountSlewing))

			sys.Track()
			mount.quiet("track", 300*time.Millisecond)

			sys.NotifyMountState(int(cmn.MountFreeze))
			sys.Track()
			mount.next("track")

			vel, _ := kv.Resolve("trackvel gid=001,uid=001,ra=15.041,dec=0.0\n")
			sys.TrackVel(vel.(*kv.TrackVel))
			mount.quiet("trackvel", 300*time.Millisecond)

			sys.NotifyMountState(int(cmn.MountTracking))
			sys.TrackVel(vel.(*kv.TrackVel))
			mount.next("trackvel")
		})
	})
})
