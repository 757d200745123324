package api

import (
	"net/http"
)

// OAuthGenerateURL handles GET /oauth/generate-url.
func (h *Handler) OAuthGenerateURL(w http.ResponseWriter, r *http.Request) {
	loginURL, err := h.oauth.GenerateLoginURL()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "failed to generate OAuth URL: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"login_url": loginURL,
		"instructions": map[string]string{
			"step_1": "Open the login_url in your browser",
			"step_2": "Complete OAuth authorization in browser",
			"step_3": "Copy the authorization code from the callback URL",
			"step_4": "POST /oauth/exchange-code with the code and account_email",
		},
		"expires_in_minutes": 10,
	})
}

// OAuthExchangeCode handles POST /oauth/exchange-code.
func (h *Handler) OAuthExchangeCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code         string `json:"code"`
		State        string `json:"state"`
		AccountEmail string `json:"account_email"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "code and account_email are required"})
		return
	}

	if err := h.oauth.ExchangeCode(r.Context(), req.Code, req.State, req.AccountEmail); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "tokens stored for " + req.AccountEmail,
	})
}

// OAuthStatus handles GET /oauth/status.
func (h *Handler) OAuthStatus(w http.ResponseWriter, r *http.Request) {
	accounts := h.oauth.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// OAuthRefresh handles POST /oauth/refresh/{email}.
func (h *Handler) OAuthRefresh(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	if email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "email is required"})
		return
	}

	if err := h.oauth.Refresh(r.Context(), email); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "email": email})
}

// OAuthDeleteTokens handles DELETE /oauth/tokens and /oauth/tokens/{email}.
func (h *Handler) OAuthDeleteTokens(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	removed := h.oauth.Delete(email)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"removed": removed,
	})
}
