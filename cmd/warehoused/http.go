package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stackyard/internal/domain"
	"stackyard/internal/orderschema"
)

const maxOrderBody = 1 << 20

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/cars", a.handleCars)
	mux.HandleFunc("/cars/", a.handleCarByID)
	mux.HandleFunc("/cargo", a.handleCargo)
	mux.HandleFunc("/stacks", a.handleStacks)
	mux.HandleFunc("/orders", a.handleOrders)
	mux.HandleFunc("/orders/", a.handleOrderByID)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/speed", a.handleSpeed)
	mux.Handle("/ws", a.ws.Handler())
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	orch := a.orch.Config()
	runtime := map[string]any{
		"car_speed":             a.core.Speed(),
		"box_metrics":           a.geom.Metrics(),
		"pickup_dwell_ms":       orch.PickupDwell.Milliseconds(),
		"dropoff_dwell_ms":      orch.DropoffDwell.Milliseconds(),
		"ready_timeout_ms":      orch.ReadyTimeout.Milliseconds(),
		"max_concurrent_orders": orch.MaxConcurrentOrders,
		"shipping_targets":      orch.ShippingTargets,
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    a.cfg.Path,
		"raw":     a.cfg.Raw,
		"layout":  a.layout,
		"runtime": runtime,
	})
}

func (a *app) handleSpeed(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if req.Speed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("speed must be positive, got %v", req.Speed))
			return
		}
		a.core.SetSpeed(req.Speed)
		a.logger.Printf("car speed set speed=%.2f", req.Speed)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"speed": a.core.Speed()})
}

func (a *app) handleCars(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.core.Poses())
}

func (a *app) handleCarByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/cars/")
	parts := strings.Split(trimmed, "/")
	carID := parts[0]
	if carID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("car id is required"))
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		for _, pose := range a.core.Poses() {
			if pose.AgentID == carID {
				writeJSON(w, http.StatusOK, pose)
				return
			}
		}
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, carID))
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var res domain.ActionResult
	switch action := parts[1]; action {
	case "destination":
		var req struct {
			Cell string `json:"cell"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		res = a.core.SetDestination(carID, req.Cell)
	case "pickup":
		res = a.core.PickUpCargo(carID)
	case "drop":
		res = a.core.DropCargo(carID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
		return
	}
	if !res.Success {
		writeJSON(w, statusForCode(res.Code), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *app) handleCargo(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		boxes := a.core.Cargo()
		if limit := queryInt(r, "limit", 300); len(boxes) > limit {
			boxes = boxes[:limit]
		}
		writeJSON(w, http.StatusOK, boxes)
	case http.MethodDelete:
		n := 0
		err := a.orch.Exclusive(func() error {
			for _, pose := range a.core.Poses() {
				if pose.CarryingBox != 0 {
					return fmt.Errorf("%w: %s is carrying box %d", domain.ErrPickConflict, pose.AgentID, pose.CarryingBox)
				}
			}
			if err := a.store.ClearCargoSnapshot(r.Context()); err != nil {
				return err
			}
			n = a.cargo.Populate()
			return nil
		})
		switch {
		case errors.Is(err, domain.ErrOrchestratorBusy), errors.Is(err, domain.ErrPickConflict):
			writeError(w, http.StatusConflict, err)
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		a.logger.Printf("cargo reset boxes=%d", n)
		writeJSON(w, http.StatusOK, map[string]any{"status": "cargo reset", "boxes": n})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleStacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"width":   a.geom.Width(),
		"depth":   a.geom.Depth(),
		"height":  a.geom.Height(),
		"bays":    a.geom.Bays(),
		"heights": a.core.Heights(),
	})
}

func (a *app) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orders, err := a.orch.ListOrders(r.Context(), queryInt(r, "limit", 300))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, orders)
	case http.MethodPost:
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxOrderBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}
		batch, err := orderschema.Decode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		// Batches outlive the request unless the caller waits for them. Either
		// way shutdown cancels them.
		ctx := r.Context()
		wait := r.URL.Query().Get("wait") == "true"
		if !wait {
			ctx = context.WithoutCancel(ctx)
		}
		ctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(a.ctx, cancel)
		release := func() {
			stop()
			cancel()
		}
		batchID, results, err := a.orch.Submit(ctx, batch)
		if err != nil {
			release()
			writeJSON(w, statusForCode(domain.ErrorCode(err)), domain.BatchResult{
				BatchID: batchID,
				Success: false,
				Message: err.Error(),
			})
			return
		}
		if wait {
			res := <-results
			release()
			writeJSON(w, http.StatusOK, res)
			return
		}
		go func() {
			res := <-results
			release()
			a.logger.Printf("batch finished id=%s success=%t message=%s", batchID, res.Success, res.Message)
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "batch_id": batchID, "orders": len(batch)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/orders/")
	parts := strings.Split(trimmed, "/")
	orderID := parts[0]
	if orderID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("order id is required"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 1 {
		order, err := a.orch.GetOrder(r.Context(), orderID)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, fmt.Errorf("order %s not found", orderID))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
		return
	}

	switch action := parts[1]; action {
	case "decisions":
		items, err := a.orch.ListOrderDecisions(r.Context(), orderID, queryInt(r, "limit", 300))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executing": a.orch.Executing(),
		"tick":      a.core.Tick(),
		"trail":     a.orch.Trail(queryInt(r, "limit", 1000)),
	})
}

func statusForCode(code string) int {
	switch code {
	case "InvalidCoordinate", "EmptyOrder":
		return http.StatusBadRequest
	case "AgentNotFound", "ItemNotFound", "ItemLocationMissing":
		return http.StatusNotFound
	case "PickConflict", "DropConflict", "OrchestratorBusy":
		return http.StatusConflict
	case "Unreachable":
		return http.StatusUnprocessableEntity
	case "NoAgentsAvailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
		"code":  domain.ErrorCode(err),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/ws" {
			log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
