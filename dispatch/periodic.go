// Package dispatch implements the general control layer.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package dispatch

import (
	"time"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/cmn/xlog"
	"github.com/salmingo/gtoaesv2/stats"
)

// broadcastLoop uploads the working state of every observation system
// to the connected clients.
func (gc *GeneralControl) broadcastLoop() {
	defer gc.wg.Done()
	ticker := time.NewTicker(cmn.BroadcastTickSec * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-gc.stopCh:
			return
		case <-ticker.C:
		}
		if gc.cliPool.Len() == 0 {
			continue
		}
		for _, sys := range gc.matching("", "") {
			mount, cams := sys.Snapshot()
			gc.cliPool.Broadcast(mount.String())
			for i := range cams {
				gc.cliPool.Broadcast(cams[i].Info.String())
				if cams[i].FocusKnown {
					gc.cliPool.Broadcast(cams[i].Focus.String())
				}
				if cams[i].DerotOn {
					gc.cliPool.Broadcast(cams[i].Derot.String())
				}
			}
		}
	}
}

// gcLoop destroys observation systems whose devices have all been gone
// longer than the idle threshold.
func (gc *GeneralControl) gcLoop() {
	defer gc.wg.Done()
	ticker := time.NewTicker(cmn.GCTickSec * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-gc.stopCh:
			return
		case <-ticker.C:
		}
		gc.sweepIdle(time.Now().UTC())
	}
}

// sweepIdle stops and removes every collectable system.
func (gc *GeneralControl) sweepIdle(now time.Time) {
	gc.muObss.Lock()
	kept := gc.systems[:0]
	for _, sys := range gc.systems {
		if sys.LastClosed(now) > cmn.GCIdleSec {
			xlog.Infof("OBSS<%s:%s> is dumped after idling", sys.Gid(), sys.UID())
			sys.Stop()
			continue
		}
		kept = append(kept, sys)
	}
	gc.systems = kept
	stats.ObssLive.Set(float64(len(gc.systems)))
	gc.muObss.Unlock()
}
