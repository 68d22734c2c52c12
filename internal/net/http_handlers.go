package net

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hostswap/internal/rehydrate"
	"hostswap/internal/session"
	"hostswap/internal/snapshot"
	"hostswap/internal/telemetry"
)

// MaxSnapshotBytes bounds an uploaded snapshot.
const MaxSnapshotBytes = 64 << 20

// SnapshotContentType labels encoded snapshots.
const SnapshotContentType = "application/cbor"

// Host is the part of the session host exposed over HTTP.
type Host interface {
	Diagnostics() session.Diagnostics
	Handoff(ctx context.Context) (snapshot.Snapshot, error)
	Resume(ctx context.Context, snap snapshot.Snapshot) (rehydrate.Report, error)
	ReconcileNow(ctx context.Context) (session.Reconcile, error)
}

type HTTPHandlerConfig struct {
	Logger    telemetry.Logger
	Gatherer  prometheus.Gatherer
	WebSocket nethttp.Handler
	TickRate  int
	// EnablePprof mounts the runtime profiler under /debug/pprof/.
	EnablePprof bool
}

type resumeResponse struct {
	Status   string   `json:"status"`
	Applied  int      `json:"applied"`
	Queued   int      `json:"queued"`
	Failed   int      `json:"failed"`
	Failures []string `json:"failures,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func NewHTTPHandler(host Host, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string              `json:"status"`
			ServerTime int64               `json:"serverTime"`
			TickRate   int                 `json:"tickRate"`
			Session    session.Diagnostics `json:"session"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickRate:   cfg.TickRate,
			Session:    host.Diagnostics(),
		}
		writeJSON(w, nethttp.StatusOK, payload)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/ownership/reconcile", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			w.Header().Set("Allow", nethttp.MethodPost)
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		pass, err := host.ReconcileNow(r.Context())
		if errors.Is(err, session.ErrRelinquished) {
			httpError(w, "host already handed off", nethttp.StatusConflict)
			return
		}
		if err != nil {
			httpError(w, "reconcile failed", nethttp.StatusInternalServerError)
			return
		}
		writeJSON(w, nethttp.StatusOK, pass)
	})

	// Handoff relinquishes authority, so it is never reachable through a
	// safe method that crawlers or prefetchers might issue.
	mux.HandleFunc("/migration/handoff", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			w.Header().Set("Allow", nethttp.MethodPost)
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		snap, err := host.Handoff(r.Context())
		if errors.Is(err, session.ErrRelinquished) {
			httpError(w, "host already handed off", nethttp.StatusConflict)
			return
		}
		if err != nil {
			logger.Printf("[http] handoff failed: %v", err)
			httpError(w, "handoff failed", nethttp.StatusInternalServerError)
			return
		}
		data, err := snapshot.Encode(snap)
		if err != nil {
			logger.Printf("[http] snapshot encode failed: %v", err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", SnapshotContentType)
		w.Write(data)
	})

	mux.HandleFunc("/migration/snapshot", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			w.Header().Set("Allow", nethttp.MethodPost)
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		body := nethttp.MaxBytesReader(w, r.Body, MaxSnapshotBytes)
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			httpError(w, "failed to read snapshot", nethttp.StatusRequestEntityTooLarge)
			return
		}
		snap, err := snapshot.Decode(data)
		if err != nil {
			httpError(w, err.Error(), nethttp.StatusBadRequest)
			return
		}
		report, err := host.Resume(r.Context(), snap)
		switch {
		case errors.Is(err, session.ErrRelinquished):
			httpError(w, "host already handed off", nethttp.StatusConflict)
			return
		case errors.Is(err, session.ErrAlreadyResumed):
			httpError(w, "host already resumed a snapshot", nethttp.StatusConflict)
			return
		case err != nil:
			logger.Printf("[http] resume failed: %v", err)
			httpError(w, "resume failed", nethttp.StatusInternalServerError)
			return
		}
		writeJSON(w, nethttp.StatusOK, newResumeResponse(report))
	})

	if cfg.WebSocket != nil {
		mux.Handle("/ws", cfg.WebSocket)
	}

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func newResumeResponse(report rehydrate.Report) resumeResponse {
	resp := resumeResponse{
		Status:  "ok",
		Applied: report.Applied,
		Queued:  report.Queued,
		Failed:  report.Failed,
	}
	for _, failure := range report.Failures {
		resp.Failures = append(resp.Failures, failure.Err.Error())
	}
	for _, warning := range report.Warnings {
		resp.Warnings = append(resp.Warnings, warning.Err.Error())
	}
	return resp
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, message string, status int) {
	nethttp.Error(w, message, status)
}
