package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ordely/printbridge/discover"
	"github.com/ordely/printbridge/escpos"
	"github.com/ordely/printbridge/order"
	"github.com/ordely/printbridge/pool"
	"github.com/ordely/printbridge/route"
	"github.com/ordely/printbridge/service"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Devices())
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	desc, err := s.svc.AddDeviceByAddress(r.Context(), req.Host, req.Port)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, discover.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

// handleDiscover starts a discovery pass in the background; progress and
// completion arrive over the WebSocket.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subnet string `json:"subnet,omitempty"`
		Radio  bool   `json:"radio,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	// The request context dies when the 202 is written; the pass runs on
	// a detached context bounded by the engine's own ceiling.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		found := s.svc.TriggerDiscovery(ctx, discover.Scope{Subnet: req.Subnet, Radio: req.Radio})
		log.Printf("bridge: discovery pass finished, %d device(s)", len(found))
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveDevice(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.SetDeviceActive(r.PathValue("id"), req.Active); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": req.Active})
}

func (s *Server) handleRetryDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RetryDevice(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retrying": true})
}

func (s *Server) handleTestPrint(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TestPrint(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"printed": true})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Rules())
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetDeviceID string `json:"target_device_id"`
		Scope          string `json:"scope"`
		ScopeID        string `json:"scope_id"`
		Priority       int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule, err := s.svc.CreateRule(req.TargetDeviceID, route.ScopeType(req.Scope), req.ScopeID, req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRule(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handlePrintOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order order.Order `json:"order"`
		Kind  string      `json:"kind"` // "kitchen" (default) or "receipt"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := escpos.KitchenTicket
	if req.Kind == "receipt" {
		kind = escpos.CustomerReceipt
	}
	outcomes, err := s.svc.PrintOrder(r.Context(), req.Order, kind)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrEmptyOrder) || errors.Is(err, service.ErrNoPrinterAssigned) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.jobs.List(limit))
}

func (s *Server) handleJobTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Totals())
}

func statusFor(err error) int {
	if errors.Is(err, pool.ErrUnknownDevice) {
		return http.StatusNotFound
	}
	if errors.Is(err, pool.ErrBackoff) || errors.Is(err, pool.ErrParked) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("bridge: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
