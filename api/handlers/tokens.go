package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/types"
)

// TokenIssuer signs member and central credentials.
type TokenIssuer interface {
	IssueSession(userID string, roles []string) (string, error)
	IssueCentral() (string, error)
}

// TokenHandler mints credentials for nodes. Only the central credential may
// call it.
type TokenHandler struct {
	issuer TokenIssuer
	logger *zap.Logger
}

func NewTokenHandler(issuer TokenIssuer, logger *zap.Logger) *TokenHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenHandler{issuer: issuer, logger: logger.With(zap.String("handler", "tokens"))}
}

func (h *TokenHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tokens", h.HandleIssue)
}

func (h *TokenHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	if !id.Central {
		WriteError(w, types.NewError(types.ErrForbidden, "central credential required"), h.logger)
		return
	}
	var req api.IssueTokenRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	var (
		token string
		err   error
	)
	if req.Central {
		token, err = h.issuer.IssueCentral()
	} else {
		if strings.TrimSpace(req.UserID) == "" {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "user_id is required"), h.logger)
			return
		}
		token, err = h.issuer.IssueSession(req.UserID, req.Roles)
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "token could not be signed").WithCause(err), h.logger)
		return
	}
	h.logger.Info("credential issued", zap.String("user_id", req.UserID), zap.Bool("central", req.Central))
	WriteCreated(w, api.TokenResponse{Token: token})
}
