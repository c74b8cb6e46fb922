// gtoaes is the observation-control server for the GWAC array and the
// GFT follow-up telescopes.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/salmingo/gtoaesv2/cmn"
	"github.com/salmingo/gtoaesv2/cmn/xlog"
	"github.com/salmingo/gtoaesv2/dispatch"
)

const version = "v2.0"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) >= 2 {
		if os.Args[1] == "-d" {
			if err := cmn.DefaultConfig().Save(cmn.DaemonName + ".xml"); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				return 1
			}
			return 0
		}
		fmt.Printf("Usage: %s <-d>\n", cmn.DaemonName)
		return 0
	}

	cfg, err := cmn.Load(cmn.DefConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := xlog.Init(cfg.LogDir, cfg.LogKeep); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		return 1
	}
	defer xlog.Flush()

	lock, err := lockPID(cmn.DefPIDPath)
	if err != nil {
		xlog.Faultf("%s is already running or failed to access PID file", cmn.DaemonName)
		return 2
	}
	defer func() { _ = lock.Close() }()

	xlog.Infof("Try to launch %s %s as daemon", cmn.DaemonName, version)
	xlog.Infof("effective config: %s", cfg)

	gc := dispatch.New(cfg)
	if err := gc.Start(); err != nil {
		xlog.Faultf("Fail to launch %s: %v", cmn.DaemonName, err)
		return 1
	}
	xlog.Infof("Daemon goes running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	gc.Stop()
	xlog.Infof("Daemon stopped")
	return 0
}

// lockPID takes the single-instance flock and records our pid.
func lockPID(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	}
	return f, nil
}
