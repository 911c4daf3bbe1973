package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"stackyard/internal/config"
	"stackyard/internal/domain"
	"stackyard/internal/layout"
	sqlitestore "stackyard/internal/store/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, *app) {
	t.Helper()
	srv, a, _ := startTestServer(t, true)
	return srv, a
}

// startTestServer builds the app and serves it. Without ticking the cars never
// move, so batches only end through cancellation. The returned cancel acts as
// process shutdown.
func startTestServer(t *testing.T, ticking bool) (*httptest.Server, *app, context.CancelFunc) {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Simulation.CarSpeed = 50
	cfg.Orchestrator.PickupDwellMS = 0
	cfg.Orchestrator.DropoffDwellMS = 0

	a, err := newApp(ctx, cfg, layout.Default(), store, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if ticking {
		go a.core.Run(ctx, 5*time.Millisecond)
	}

	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		a.orch.Wait()
		_ = store.Close()
	})
	return srv, a, cancel
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestOrderRoundTripOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	var res domain.BatchResult
	code := doJSON(t, http.MethodPost, srv.URL+"/orders?wait=true", map[string]any{
		"orders": []map[string]any{{"id": "h-1", "content": "10"}},
	}, &res)
	if code != http.StatusOK {
		t.Fatalf("status=%d want=200", code)
	}
	if !res.Success || len(res.CompletedOrderIDs) != 1 {
		t.Fatalf("result=%+v", res)
	}

	var order domain.OrderRecord
	if code := doJSON(t, http.MethodGet, srv.URL+"/orders/h-1", nil, &order); code != http.StatusOK {
		t.Fatalf("get order status=%d", code)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("order status=%s want=completed", order.Status)
	}

	var decisions []domain.DecisionLog
	if code := doJSON(t, http.MethodGet, srv.URL+"/orders/h-1/decisions", nil, &decisions); code != http.StatusOK || len(decisions) == 0 {
		t.Fatalf("decisions status=%d count=%d", code, len(decisions))
	}

	var stacks struct {
		Heights [][]int `json:"heights"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/stacks", nil, &stacks)
	if stacks.Heights[0][0] != 1 || stacks.Heights[0][2] != 4 {
		t.Fatalf("heights at 0-0=%d 0-2=%d want 1 and 4", stacks.Heights[0][0], stacks.Heights[0][2])
	}

	var status struct {
		Executing bool     `json:"executing"`
		Trail     []string `json:"trail"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/status", nil, &status)
	if status.Executing || len(status.Trail) == 0 {
		t.Fatalf("status=%+v", status)
	}
}

func TestRejectsInvalidRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	var errBody map[string]any
	if code := doJSON(t, http.MethodPost, srv.URL+"/orders", map[string]any{"orders": []map[string]any{{"items": []int{1000}}}}, &errBody); code != http.StatusBadRequest {
		t.Fatalf("out of range item status=%d want=400", code)
	}

	var empty domain.BatchResult
	if code := doJSON(t, http.MethodPost, srv.URL+"/orders", map[string]any{"orders": []any{}}, &empty); code != http.StatusBadRequest {
		t.Fatalf("empty batch status=%d want=400", code)
	}
	if empty.Success {
		t.Fatalf("empty batch result=%+v", empty)
	}

	var res domain.ActionResult
	if code := doJSON(t, http.MethodPost, srv.URL+"/cars/car-1/destination", map[string]string{"cell": "9-9"}, &res); code != http.StatusBadRequest {
		t.Fatalf("destination status=%d want=400", code)
	}
	if res.Code != "InvalidCoordinate" {
		t.Fatalf("code=%s want=InvalidCoordinate", res.Code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/cars/car-9/pickup", nil, &res); code != http.StatusNotFound {
		t.Fatalf("unknown car status=%d want=404", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/orders/missing", nil, &errBody); code != http.StatusNotFound {
		t.Fatalf("missing order status=%d want=404", code)
	}
}

func TestManualCarControl(t *testing.T) {
	srv, a := newTestServer(t)

	var res domain.ActionResult
	if code := doJSON(t, http.MethodPost, srv.URL+"/cars/car-1/destination", map[string]string{"cell": "0-4"}, &res); code != http.StatusOK {
		t.Fatalf("destination status=%d res=%+v", code, res)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.core.WaitReady(ctx, "car-1"); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/cars/car-1/pickup", nil, &res); code != http.StatusOK {
		t.Fatalf("pickup status=%d res=%+v", code, res)
	}

	var cleared map[string]any
	if code := doJSON(t, http.MethodDelete, srv.URL+"/cargo", nil, &cleared); code != http.StatusConflict {
		t.Fatalf("reset while carrying status=%d want=409", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/cars/car-1/drop", nil, &res); code != http.StatusOK {
		t.Fatalf("drop status=%d res=%+v", code, res)
	}

	var cars []domain.Pose
	doJSON(t, http.MethodGet, srv.URL+"/cars", nil, &cars)
	if len(cars) != 2 || cars[0].Coord != (domain.LaneCoord{X: 0, Z: 4}) {
		t.Fatalf("cars=%+v", cars)
	}

	var cargo []domain.CargoBox
	doJSON(t, http.MethodGet, srv.URL+"/cargo?limit=5", nil, &cargo)
	if len(cargo) != 5 {
		t.Fatalf("cargo=%d want=5", len(cargo))
	}
}

func TestSpeedAndRuntimeConfig(t *testing.T) {
	srv, a := newTestServer(t)

	var out map[string]any
	if code := doJSON(t, http.MethodPost, srv.URL+"/speed", map[string]float64{"speed": 12.5}, &out); code != http.StatusOK {
		t.Fatalf("set speed status=%d", code)
	}
	if a.core.Speed() != 12.5 {
		t.Fatalf("speed=%v want=12.5", a.core.Speed())
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/speed", map[string]float64{"speed": -1}, &out); code != http.StatusBadRequest {
		t.Fatalf("negative speed status=%d want=400", code)
	}

	var cfg struct {
		Runtime struct {
			CarSpeed            float64                 `json:"car_speed"`
			PickupDwellMS       int64                   `json:"pickup_dwell_ms"`
			MaxConcurrentOrders int                     `json:"max_concurrent_orders"`
			ShippingTargets     []domain.ShippingTarget `json:"shipping_targets"`
		} `json:"runtime"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/config", nil, &cfg)
	if cfg.Runtime.CarSpeed != 12.5 || cfg.Runtime.PickupDwellMS != 0 || cfg.Runtime.MaxConcurrentOrders != 2 {
		t.Fatalf("runtime=%+v", cfg.Runtime)
	}
	if len(cfg.Runtime.ShippingTargets) != 2 || cfg.Runtime.ShippingTargets[0].Label != "X1Y1" {
		t.Fatalf("targets=%+v", cfg.Runtime.ShippingTargets)
	}
}

func TestShutdownCancelsAcceptedBatch(t *testing.T) {
	srv, a, shutdown := startTestServer(t, false)

	var accepted map[string]any
	code := doJSON(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"orders": []map[string]any{{"id": "late", "content": "10-11"}},
	}, &accepted)
	if code != http.StatusAccepted {
		t.Fatalf("status=%d want=202", code)
	}
	if !a.orch.Executing() {
		t.Fatalf("batch not executing after accept")
	}

	shutdown()
	done := make(chan struct{})
	go func() {
		a.orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("batch still running after shutdown")
	}

	order, err := a.orch.GetOrder(context.Background(), "late")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusPartiallyFailed {
		t.Fatalf("order status=%s want=partially_failed", order.Status)
	}
	for _, pose := range a.core.Poses() {
		if pose.CarryingBox != 0 || pose.State == domain.MotionStateEnRoute {
			t.Fatalf("pose=%+v want idle car after shutdown", pose)
		}
	}
}

func TestCargoResetHoldsOrchestratorGuard(t *testing.T) {
	srv, a := newTestServer(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- a.orch.Exclusive(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var body map[string]any
	if code := doJSON(t, http.MethodDelete, srv.URL+"/cargo", nil, &body); code != http.StatusConflict {
		t.Fatalf("reset while guarded status=%d want=409", code)
	}
	var res domain.BatchResult
	code := doJSON(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"orders": []map[string]any{{"content": "10"}},
	}, &res)
	if code != http.StatusConflict || res.Success {
		t.Fatalf("submit while guarded status=%d res=%+v want=409", code, res)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("exclusive: %v", err)
	}
	if code := doJSON(t, http.MethodDelete, srv.URL+"/cargo", nil, &body); code != http.StatusOK {
		t.Fatalf("reset status=%d body=%v want=200", code, body)
	}
	if a.orch.Executing() {
		t.Fatalf("guard still held after reset")
	}
}
