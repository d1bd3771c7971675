package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/coditime/accounts"
	"github.com/jmcleod/coditime/auth"
)

// ListAPIKeys handles GET /me/api-keys.
func (a *API) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	tokens, err := a.accounts.ListAPIKeys(r.Context(), p.UserID())
	if err != nil {
		writeInternalError(w, "listing api keys", err)
		return
	}
	keys := make([]APIKey, 0, len(tokens))
	for _, t := range tokens {
		keys = append(keys, apiKeyFrom(t))
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(keys, limit, offset)
	writeJSON(w, http.StatusOK, ListAPIKeysResponse{Keys: page, PaginationMeta: meta})
}

// CreateAPIKey handles POST /me/api-keys. The raw token is in the response
// and nowhere else.
func (a *API) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	req, ok := decodeJSON[CreateAPIKeyRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	raw, tok, err := a.accounts.CreateAPIKey(r.Context(), p.UserID(), accounts.NewAPIKey{
		Name:        req.Name,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditAPIKeyCreated, r, p.UserID(), idAttr("key_id", tok.ID))
	writeJSON(w, http.StatusCreated, CreateAPIKeyResponse{Token: raw, Key: apiKeyFrom(tok)})
}

// RevokeAPIKey handles DELETE /me/api-keys/{keyID}.
func (a *API) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "keyID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	if err := a.accounts.RevokeAPIKey(r.Context(), p.UserID(), id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditAPIKeyRevoked, r, p.UserID(), idAttr("key_id", id))
	w.WriteHeader(http.StatusNoContent)
}
