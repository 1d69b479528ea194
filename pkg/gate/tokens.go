package gate

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pario-ai/tokengate/pkg/authz"
	"github.com/pario-ai/tokengate/pkg/store"
)

type tokenConfigResponse struct {
	Enabled                  bool   `json:"enabled"`
	InitialAmount            int64  `json:"initial_amount"`
	ReplenishInterval        string `json:"replenish_interval"`
	ReplenishIntervalSeconds int64  `json:"replenish_interval_seconds"`
	ReplenishAmount          int64  `json:"replenish_amount"`
}

type setBalanceRequest struct {
	TokenBalance *int64 `json:"token_balance"`
}

func (s *Server) handleMyTokens(w http.ResponseWriter, r *http.Request) {
	user := s.authenticate(w, r)
	if user == nil {
		return
	}
	s.writeTokenInfo(w, r, user.ID)
}

func (s *Server) handleTokenConfig(w http.ResponseWriter, r *http.Request) {
	if s.authenticate(w, r) == nil {
		return
	}
	p := s.engine.Config()
	writeJSON(w, http.StatusOK, tokenConfigResponse{
		Enabled:                  p.Enabled,
		InitialAmount:            p.InitialAmount,
		ReplenishInterval:        p.ReplenishInterval.String(),
		ReplenishIntervalSeconds: int64(p.ReplenishInterval / time.Second),
		ReplenishAmount:          p.ReplenishAmount,
	})
}

func (s *Server) handleGetUserTokens(w http.ResponseWriter, r *http.Request) {
	user := s.authenticate(w, r)
	if user == nil || !s.authorize(w, r, user, authz.ActionRead) {
		return
	}
	s.writeTokenInfo(w, r, r.PathValue("id"))
}

func (s *Server) handleSetUserTokens(w http.ResponseWriter, r *http.Request) {
	user := s.authenticate(w, r)
	if user == nil || !s.authorize(w, r, user, authz.ActionWrite) {
		return
	}

	var req setBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenBalance == nil {
		writeJSONError(w, http.StatusBadRequest, errTypeInvalidRequest, "token_balance is required")
		return
	}

	id := r.PathValue("id")
	err := s.engine.AdminSetBalance(r.Context(), id, *req.TokenBalance)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, errTypeNotFound, "user not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errTypeInternal, "failed to update token balance")
		return
	}
	s.logger.Info("token balance overridden", "admin", user.ID, "user", id, "balance", *req.TokenBalance)
	s.writeTokenInfo(w, r, id)
}

func (s *Server) writeTokenInfo(w http.ResponseWriter, r *http.Request, userID string) {
	info, ok := s.engine.TokenInfo(r.Context(), userID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, errTypeNotFound, "token info not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}
