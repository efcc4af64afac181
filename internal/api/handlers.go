package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/stockledger/internal/app"
	"github.com/kimhsiao/stockledger/internal/dashboard"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
)

// =====================================================
// Sync
// =====================================================

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	app    *app.App
	logger *logging.Logger
}

// Status handles GET /status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.app.Scheduler.GetStatus(r.Context())
	resp := map[string]interface{}{
		"scheduler":   status,
		"collections": h.app.Reconciler.Collections(),
	}
	if last := h.app.Reconciler.LastSync(); last != nil {
		resp["last_sync"] = last
	}
	if err := h.app.Reconciler.LastError(); err != nil {
		resp["last_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncAll handles POST /sync and waits for the cycle to finish.
func (h *SyncHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Scheduler.SyncNow(r.Context())
	if err != nil && result == nil {
		fail(h.logger, w, "sync", err)
		return
	}
	resp := map[string]interface{}{"result": result}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Outbox handles GET /outbox
func (h *SyncHandler) Outbox(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Reconciler.Outbox().Stats(r.Context())
	if err != nil {
		fail(h.logger, w, "outbox stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Errors handles GET /errors
func (h *SyncHandler) Errors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": h.app.Reconciler.GetErrorHistory(),
	})
}

// =====================================================
// Records
// =====================================================

// RecordHandler serves one collection's records.
type RecordHandler struct {
	app    *app.App
	logger *logging.Logger
}

func (h *RecordHandler) collection(w http.ResponseWriter, r *http.Request) (app.Collection, bool) {
	c, err := h.app.Collection(chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return c, true
}

// List handles GET /v1/records/{collection}
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	p := app.ListParams{
		OrderBy: q.Get("order_by"),
		Desc:    q.Get("desc") == "true",
		Fresh:   q.Get("fresh") == "true",
	}
	var err error
	if p.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if p.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	records, err := c.List(r.Context(), p)
	if err != nil {
		fail(h.logger, w, "list "+c.Name(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// Get handles GET /v1/records/{collection}/{id}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := c.Get(r.Context(), id, r.URL.Query().Get("fresh") == "true")
	if err != nil {
		fail(h.logger, w, "get "+c.Name()+"/"+id, err)
		return
	}
	pending, err := c.IsPending(r.Context(), id)
	if err != nil {
		fail(h.logger, w, "pending "+c.Name()+"/"+id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"record": rec, "pending": pending})
}

// Create handles POST /v1/records/{collection}
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.put(w, r, "", http.StatusCreated)
}

// Put handles PUT /v1/records/{collection}/{id}
func (h *RecordHandler) Put(w http.ResponseWriter, r *http.Request) {
	h.put(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (h *RecordHandler) put(w http.ResponseWriter, r *http.Request, id string, status int) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := c.Put(r.Context(), id, body)
	if err != nil {
		fail(h.logger, w, "put "+c.Name(), err)
		return
	}
	writeJSON(w, status, map[string]interface{}{"record": rec})
}

// Delete handles DELETE /v1/records/{collection}/{id}
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := c.Delete(r.Context(), id); err != nil {
		fail(h.logger, w, "delete "+c.Name()+"/"+id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sync handles POST /v1/records/{collection}/sync
func (h *RecordHandler) Sync(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	result, err := c.Sync(r.Context())
	if err != nil && apperrors.Is(err, apperrors.ErrOffline) {
		fail(h.logger, w, "sync "+c.Name(), err)
		return
	}
	resp := map[string]interface{}{"result": result}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =====================================================
// Dashboard
// =====================================================

// DashboardHandler serves cash-flow summaries.
type DashboardHandler struct {
	app *app.App
}

// CashFlow handles GET /dashboard/cashflow?since=<ms>&force=true
func (h *DashboardHandler) CashFlow(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(defaultString(r.URL.Query().Get("since"), "0"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be an integer")
		return
	}

	summary, err := h.app.Dashboard.CashFlow(r.Context(), dashboard.Options{
		Since: since,
		Force: r.URL.Query().Get("force") == "true",
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
