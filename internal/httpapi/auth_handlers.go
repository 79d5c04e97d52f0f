package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"pitstop.dev/internal/auth"
	"pitstop.dev/internal/rbac"
)

const accessTokenTTL = time.Hour

type tokenRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type tokenResponse struct {
	AccessToken        string `json:"access_token"`
	TokenType          string `json:"token_type"`
	ExpiresIn          int64  `json:"expires_in"`
	PermissionsVersion int64  `json:"permissions_version"`
}

// handleAuthToken exchanges credentials for a bearer token. Every failure
// mode (unknown email, bad password, disabled account) produces the same
// response, so the endpoint never confirms whether an account exists.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, hash, err := a.identity.UserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if !errors.Is(err, rbac.ErrNotFound) {
			logServerError(r, err)
		}
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	match, err := auth.VerifyPassword(req.Password, hash)
	if err != nil || !match {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if user.Status != rbac.UserStatusActive {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(user.ID, user.OrganizationID, accessTokenTTL)
	if err != nil {
		logServerError(r, err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:        token,
		TokenType:          "Bearer",
		ExpiresIn:          int64(accessTokenTTL.Seconds()),
		PermissionsVersion: user.PermissionsVersion,
	})
}
