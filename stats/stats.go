// Package stats maintains the service's runtime counters and, when a
// listen address is configured, serves the prometheus exposition
// endpoint.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtoaes_frames_in_total",
		Help: "Framed lines received, by peer class.",
	}, []string{"peer"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtoaes_decode_errors_total",
		Help: "Frames no codec recognized, by peer class.",
	}, []string{"peer"})

	ConnsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtoaes_conns_closed_total",
		Help: "Connections closed, by peer class.",
	}, []string{"peer"})

	CommandsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtoaes_commands_out_total",
		Help: "Commands written to device links, by device.",
	}, []string{"device"})

	Retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtoaes_retransmits_total",
		Help: "Positional commands re-sent for lack of a response.",
	})

	RetransmitDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtoaes_retransmit_drops_total",
		Help: "Positional commands given up on after the retry cap.",
	})

	PlansDone = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtoaes_plans_done_total",
		Help: "Plans reaching a terminal state, by state.",
	}, []string{"state"})

	ObssLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gtoaes_obss_live",
		Help: "Observation systems currently registered.",
	})
)

// Serve exposes /metrics on the given address; empty disables. Returns
// the server so the caller can shut it down.
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
