package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"loom/pkg/protocol"
)

// dashboardData is the GET / payload: everything a dashboard needs in one
// round trip.
type dashboardData struct {
	Counts       map[string]int           `json:"counts"`
	ActiveAgents int                      `json:"active_agents"`
	MaxAgents    int                      `json:"max_agents"`
	Ready        []protocol.WorkUnit      `json:"ready"`
	Running      []protocol.WorkUnit      `json:"running"`
	Attention    []protocol.AttentionItem `json:"attention"`
}

type answerRequest struct {
	Text string `json:"text"`
}

type resolveRequest struct {
	ChunkID          string `json:"chunk_id"`
	CompetingChunkID string `json:"competing_chunk_id"`
	Verdict          string `json:"verdict"`
}

func (d *Daemon) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /work-units/{chunk_id}", d.handleGetUnit)
	mux.HandleFunc("GET /attention", d.handleGetAttention)
	mux.HandleFunc("POST /work-units/{chunk_id}/answer", d.handleAnswer)
	mux.HandleFunc("POST /conflicts/resolve", d.handleResolve)
	mux.HandleFunc("GET /{$}", d.handleDashboard)
	return mux
}

func (d *Daemon) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := d.sched.Get(r.Context(), r.PathValue("chunk_id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (d *Daemon) handleGetAttention(w http.ResponseWriter, r *http.Request) {
	items, err := d.sched.Attention(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if items == nil {
		items = []protocol.AttentionItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (d *Daemon) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	unit, err := d.sched.Answer(r.Context(), r.PathValue("chunk_id"), req.Text)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (d *Daemon) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	verdict := protocol.Verdict(req.Verdict)
	if req.Verdict == "" {
		verdict = protocol.VerdictSerialize
	}
	unit, err := d.sched.Resolve(r.Context(), req.ChunkID, req.CompetingChunkID, verdict)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (d *Daemon) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := d.sched.Status(ctx)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	ready, err := d.sched.Units(ctx, protocol.StatusReady)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	running, err := d.sched.Units(ctx, protocol.StatusRunning)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	items, err := d.sched.Attention(ctx)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboardData{
		Counts:       snap.Counts,
		ActiveAgents: snap.ActiveAgents,
		MaxAgents:    snap.MaxAgents,
		Ready:        ready,
		Running:      running,
		Attention:    items,
	})
}

// decodeBody reads a small JSON body, answering 400 on garbage. It reports
// whether the caller should proceed.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

// writeAPIError maps domain errors onto HTTP statuses.
func writeAPIError(w http.ResponseWriter, err error) {
	writeJSON(w, apiStatus(err), map[string]string{"error": err.Error()})
}

func apiStatus(err error) int {
	var (
		notFound *protocol.NotFoundError
		invalid  *protocol.InvalidStateError
		dup      *protocol.DuplicateChunkError
		verdict  *protocol.UnknownVerdictError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalid), errors.As(err, &dup):
		return http.StatusConflict
	case errors.As(err, &verdict):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
