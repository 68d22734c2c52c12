package net

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"hostswap/internal/session"
	"hostswap/internal/sim"
	"hostswap/internal/snapshot"
	"hostswap/internal/telemetry"
	"hostswap/internal/tick"
	"hostswap/internal/world"
)

var barrelAsset = uuid.MustParse("7e2b1d44-0a9c-4f3e-b6d1-2c8f5a7e3b01")

func newTestHost(t *testing.T, reg *prometheus.Registry) (*session.Host, *world.World) {
	t.Helper()
	w := world.New()
	w.RegisterPrototype(&world.Prototype{Asset: barrelAsset, Components: []world.ComponentFactory{world.NewBlob([]byte("oil"))}})
	host := session.NewHost(w, nil, session.Config{Metrics: telemetry.NewPrometheus(reg)})
	return host, w
}

func TestHealthDiagnosticsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	host, _ := newTestHost(t, reg)
	host.Step(context.Background(), tick.Context{Tick: 1, Now: time.Now()}, nil)

	srv := httptest.NewServer(NewHTTPHandler(host, HTTPHandlerConfig{Gatherer: reg, TickRate: 15}))
	t.Cleanup(srv.Close)

	resp, err := nethttp.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("unexpected health body %q", body)
	}

	resp, err = nethttp.Get(srv.URL + "/diagnostics")
	if err != nil {
		t.Fatalf("diagnostics request failed: %v", err)
	}
	var diag struct {
		Status   string              `json:"status"`
		TickRate int                 `json:"tickRate"`
		Session  session.Diagnostics `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&diag); err != nil {
		t.Fatalf("failed to decode diagnostics: %v", err)
	}
	resp.Body.Close()
	if diag.Status != "ok" || diag.TickRate != 15 || diag.Session.Tick != 1 {
		t.Fatalf("unexpected diagnostics %+v", diag)
	}

	resp, err = nethttp.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "hostswap_"+telemetry.MetricRecordedObjects) {
		t.Fatalf("expected recorded objects gauge in metrics output, got:\n%s", body)
	}

	resp, err = nethttp.Get(srv.URL + "/debug/pprof/")
	if err != nil {
		t.Fatalf("pprof request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusNotFound {
		t.Fatalf("expected pprof to stay unmounted by default, got %d", resp.StatusCode)
	}
}

func TestPprofMountedWhenEnabled(t *testing.T) {
	host, _ := newTestHost(t, prometheus.NewRegistry())
	srv := httptest.NewServer(NewHTTPHandler(host, HTTPHandlerConfig{EnablePprof: true}))
	t.Cleanup(srv.Close)

	resp, err := nethttp.Get(srv.URL + "/debug/pprof/")
	if err != nil {
		t.Fatalf("pprof request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("expected pprof index, got %d", resp.StatusCode)
	}
}

func TestSnapshotHandoffAndResumeOverHTTP(t *testing.T) {
	oldHost, oldWorld := newTestHost(t, prometheus.NewRegistry())
	if _, err := oldWorld.Spawn(barrelAsset, sim.DefaultTransform(), ""); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	oldSrv := httptest.NewServer(NewHTTPHandler(oldHost, HTTPHandlerConfig{}))
	t.Cleanup(oldSrv.Close)

	resp, err := nethttp.Get(oldSrv.URL + "/migration/snapshot")
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusMethodNotAllowed {
		t.Fatalf("expected GET on the snapshot route to be refused, got %d", resp.StatusCode)
	}
	resp, err = nethttp.Get(oldSrv.URL + "/migration/handoff")
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusMethodNotAllowed {
		t.Fatalf("expected GET on the handoff route to be refused, got %d", resp.StatusCode)
	}
	if oldHost.Relinquished() {
		t.Fatalf("safe requests must not relinquish the host")
	}

	resp, err = nethttp.Post(oldSrv.URL+"/migration/handoff", "", nil)
	if err != nil {
		t.Fatalf("handoff request failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK || resp.Header.Get("Content-Type") != SnapshotContentType {
		t.Fatalf("unexpected handoff response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		t.Fatalf("failed to decode served snapshot: %v", err)
	}
	if len(snap.Objects) != 1 {
		t.Fatalf("expected 1 object, got %d", len(snap.Objects))
	}

	resp, err = nethttp.Post(oldSrv.URL+"/migration/handoff", "", nil)
	if err != nil {
		t.Fatalf("second handoff request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusConflict {
		t.Fatalf("expected conflict after handoff, got %d", resp.StatusCode)
	}

	newHost, newWorld := newTestHost(t, prometheus.NewRegistry())
	newSrv := httptest.NewServer(NewHTTPHandler(newHost, HTTPHandlerConfig{}))
	t.Cleanup(newSrv.Close)

	resp, err = nethttp.Post(newSrv.URL+"/migration/snapshot", SnapshotContentType, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("resume request failed: %v", err)
	}
	var result resumeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode resume response: %v", err)
	}
	resp.Body.Close()
	if result.Applied != 1 || result.Failed != 0 {
		t.Fatalf("unexpected resume result %+v", result)
	}
	if newWorld.Len() != 1 {
		t.Fatalf("expected resumed world to hold 1 object, got %d", newWorld.Len())
	}

	resp, err = nethttp.Post(newSrv.URL+"/migration/snapshot", SnapshotContentType, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("replayed resume request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusConflict {
		t.Fatalf("expected conflict for a replayed snapshot, got %d", resp.StatusCode)
	}
	if newWorld.Len() != 1 {
		t.Fatalf("replayed snapshot duplicated objects, world holds %d", newWorld.Len())
	}

	resp, err = nethttp.Post(newSrv.URL+"/migration/snapshot", SnapshotContentType, strings.NewReader("junk"))
	if err != nil {
		t.Fatalf("junk request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusBadRequest {
		t.Fatalf("expected bad request for junk snapshot, got %d", resp.StatusCode)
	}

	req, _ := nethttp.NewRequest(nethttp.MethodPut, newSrv.URL+"/migration/snapshot", nil)
	resp, err = nethttp.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusMethodNotAllowed {
		t.Fatalf("expected method not allowed, got %d", resp.StatusCode)
	}
}

func TestReconcileOnDemandOverHTTP(t *testing.T) {
	w := world.New()
	w.RegisterPrototype(&world.Prototype{Asset: barrelAsset, Components: []world.ComponentFactory{world.NewBlob([]byte("oil"))}})
	host := session.NewHost(w, nil, session.Config{ManualReconcile: true})
	host.Step(context.Background(), tick.Context{Tick: 1, Now: time.Now()}, []tick.Command{
		{Type: tick.CommandConnect, Conn: "a"},
		{Type: tick.CommandAnnounce, Conn: "a"},
	})
	if _, err := w.Spawn(barrelAsset, sim.DefaultTransform(), "a"); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	host.Step(context.Background(), tick.Context{Tick: 2, Now: time.Now()}, nil)
	if recorded := host.Diagnostics().RecordedObjects; recorded != 0 {
		t.Fatalf("expected no automatic pass, got %d recorded objects", recorded)
	}

	srv := httptest.NewServer(NewHTTPHandler(host, HTTPHandlerConfig{}))
	t.Cleanup(srv.Close)

	resp, err := nethttp.Get(srv.URL + "/ownership/reconcile")
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusMethodNotAllowed {
		t.Fatalf("expected method not allowed, got %d", resp.StatusCode)
	}

	resp, err = nethttp.Post(srv.URL+"/ownership/reconcile", "", nil)
	if err != nil {
		t.Fatalf("reconcile request failed: %v", err)
	}
	var pass session.Reconcile
	if err := json.NewDecoder(resp.Body).Decode(&pass); err != nil {
		t.Fatalf("failed to decode reconcile response: %v", err)
	}
	resp.Body.Close()
	if pass.Added != 1 || pass.Tick != 2 {
		t.Fatalf("unexpected pass %+v", pass)
	}
	if recorded := host.Diagnostics().RecordedObjects; recorded != 1 {
		t.Fatalf("expected the pass to record the barrel, got %d", recorded)
	}
}
