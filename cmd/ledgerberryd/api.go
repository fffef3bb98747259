package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/blockberries/ledgerberry/engine"
	"github.com/blockberries/ledgerberry/types"
)

// maxProposalBytes bounds a POST /propose body
const maxProposalBytes = 4 << 20

// nodeAPI is the subset of engine.Node the HTTP API serves
type nodeAPI interface {
	Propose(ctx context.Context, mutations []types.Mutation) (*types.Commit, error)
	SyncStatus() engine.SyncStatus
}

type chainView interface {
	HeadID() string
	HeadHeight() uint64
	Len() int
	OrphanCount() int
}

type statusResponse struct {
	Head       string   `json:"head"`
	Height     uint64   `json:"height"`
	Commits    int      `json:"commits"`
	Orphans    int      `json:"orphans"`
	Sync       string   `json:"sync"`
	Progress   float64  `json:"progress,omitempty"`
	SyncTarget string   `json:"sync_target,omitempty"`
	SyncError  string   `json:"sync_error,omitempty"`
	Peers      []string `json:"peers"`
}

type proposeRequest struct {
	Mutations []types.Mutation `json:"mutations"`
}

type api struct {
	node   nodeAPI
	chain  chainView
	peers  func() []string
	logger *slog.Logger
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /propose", a.handlePropose)
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.node.SyncStatus()
	resp := statusResponse{
		Head:       a.chain.HeadID(),
		Height:     a.chain.HeadHeight(),
		Commits:    a.chain.Len(),
		Orphans:    a.chain.OrphanCount(),
		Sync:       st.State.String(),
		Progress:   st.Progress,
		SyncTarget: st.TargetHash,
		Peers:      a.peers(),
	}
	if st.Reason != nil {
		resp.SyncError = st.Reason.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProposalBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := a.node.Propose(r.Context(), req.Mutations)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, c)
	case errors.Is(err, types.ErrVerification):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, engine.ErrNoSigner), errors.Is(err, engine.ErrNotProposer):
		writeError(w, http.StatusConflict, err)
	default:
		a.logger.Error("proposal failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
