// Package http provides the HTTP handlers and routing of the vault store.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atinyakov/hexlock/internal/middleware"
	"github.com/atinyakov/hexlock/internal/models"
	"github.com/atinyakov/hexlock/internal/service"
)

// VaultService defines the credential operations required by the EntriesHandler.
type VaultService interface {
	Add(ctx context.Context, account string, e models.Entry) (models.Credential, error)
	List(ctx context.Context, account string) ([]models.Credential, error)
	Edit(ctx context.Context, account string, e models.Entry) error
	Delete(ctx context.Context, account string, e models.Entry) error
	EditByID(ctx context.Context, account, id string, e models.Entry) error
	DeleteByID(ctx context.Context, account, id string) error
}

// EntriesHandler handles the credential endpoints of an account.
type EntriesHandler struct {
	VaultService VaultService
}

// List handles GET /api/accounts/{account}/entries.
func (h *EntriesHandler) List(w http.ResponseWriter, r *http.Request) {
	account, ok := authorizedAccount(w, r)
	if !ok {
		return
	}
	creds, err := h.VaultService.List(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// Add handles POST /api/accounts/{account}/entries and returns the stored credential.
func (h *EntriesHandler) Add(w http.ResponseWriter, r *http.Request) {
	account, ok := authorizedAccount(w, r)
	if !ok {
		return
	}
	e, ok := decodeEntry(w, r)
	if !ok {
		return
	}
	c, err := h.VaultService.Add(r.Context(), account, e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Edit handles PUT /api/accounts/{account}/entries.
func (h *EntriesHandler) Edit(w http.ResponseWriter, r *http.Request) {
	account, ok := authorizedAccount(w, r)
	if !ok {
		return
	}
	e, ok := decodeEntry(w, r)
	if !ok {
		return
	}
	if err := h.VaultService.Edit(r.Context(), account, e); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/accounts/{account}/entries.
func (h *EntriesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	account, ok := authorizedAccount(w, r)
	if !ok {
		return
	}
	e, ok := decodeEntry(w, r)
	if !ok {
		return
	}
	if err := h.VaultService.Delete(r.Context(), account, e); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EditByID handles PUT /api/accounts/{account}/entries/{id}.
func (h *EntriesHandler) EditByID(w http.ResponseWriter, r *http.Request) {
	account, ok := authorizedAccount(w, r)
	if !ok {
		return
	}
	e, ok := decodeEntry(w, r)
	if !ok {
		return
	}
	if err := h.VaultService.EditByID(r.Context(), account, chi.URLParam(r, "id"), e); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteByID handles DELETE /api/accounts/{account}/entries/{id}.
func (h *EntriesHandler) DeleteByID(w http.ResponseWriter, r *http.Request) {
	account, ok := authorizedAccount(w, r)
	if !ok {
		return
	}
	if err := h.VaultService.DeleteByID(r.Context(), account, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizedAccount returns the {account} path parameter if it is the
// authenticated principal.
func authorizedAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := chi.URLParam(r, "account")
	if account == "" || account != middleware.GetPrincipalFromContext(r.Context()) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return account, true
}

func decodeEntry(w http.ResponseWriter, r *http.Request) (models.Entry, bool) {
	var e models.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return models.Entry{}, false
	}
	return e, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidEntry):
		http.Error(w, "site and secret are required", http.StatusBadRequest)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, "no matching entry", http.StatusNotFound)
	case errors.Is(err, service.ErrAmbiguous):
		http.Error(w, "more than one entry matches", http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
