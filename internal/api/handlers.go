package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/backend"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/challenge"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/identity"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/lifecycle"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/submission"
)

type Handler struct {
	manager    *lifecycle.Manager
	checker    *submission.Checker
	catalog    *challenge.Catalog
	identities *identity.Service
	stores     *store.Stores
	limiter    *RateLimiter
	teamMode   bool
	log        logrus.FieldLogger
}

func NewHandler(m *lifecycle.Manager, c *submission.Checker, cat *challenge.Catalog, ids *identity.Service, stores *store.Stores, limiter *RateLimiter, teamMode bool, log logrus.FieldLogger) *Handler {
	return &Handler{
		manager:    m,
		checker:    c,
		catalog:    cat,
		identities: ids,
		stores:     stores,
		limiter:    limiter,
		teamMode:   teamMode,
		log:        log.WithField("component", "api"),
	}
}

type instanceRequest struct {
	ChallengeID int64 `json:"chal_id"`
}

type submitRequest struct {
	ChallengeID int64  `json:"chal_id"`
	Flag        string `json:"flag"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	resp, err := h.identities.Register(r.Context(), payload)
	if err != nil {
		if errors.Is(err, identity.ErrUserAlreadyExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	resp, err := h.identities.Login(r.Context(), payload)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// RequestInstance launches (or returns) the caller's instance for a
// challenge.
func (h *Handler) RequestInstance(w http.ResponseWriter, r *http.Request) {
	owner, challengeID, ok := h.instanceCall(w, r)
	if !ok {
		return
	}

	session, err := h.manager.Request(r.Context(), owner, challengeID)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) RenewInstance(w http.ResponseWriter, r *http.Request) {
	owner, challengeID, ok := h.instanceCall(w, r)
	if !ok {
		return
	}

	session, err := h.manager.Renew(r.Context(), owner, challengeID)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) StopInstance(w http.ResponseWriter, r *http.Request) {
	owner, challengeID, ok := h.instanceCall(w, r)
	if !ok {
		return
	}

	if err := h.manager.Stop(r.Context(), owner, challengeID); err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ViewInfo reports the caller's instance state without launching one.
func (h *Handler) ViewInfo(w http.ResponseWriter, r *http.Request) {
	owner, challengeID, ok := h.instanceCall(w, r)
	if !ok {
		return
	}

	session, err := h.manager.Probe(r.Context(), owner, challengeID)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ident, _ := identityFrom(r.Context())
	owner, err := ident.Scope(h.teamMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "you must join a team first")
		return
	}

	var payload submitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Flag) == "" {
		writeError(w, http.StatusBadRequest, "flag is required")
		return
	}

	result, err := h.checker.Submit(r.Context(), ident, owner, payload.ChallengeID, payload.Flag)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": result.Verdict == submission.VerdictAccepted,
		"verdict":  result.Verdict,
		"message":  result.Message,
	})
}

// ConnectType tells the frontend how to render the connection string
// for a challenge.
func (h *Handler) ConnectType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/containers/api/get_connect_type/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "challenge not found")
		return
	}

	ch, err := h.catalog.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrChallengeNotFound) {
			writeError(w, http.StatusNotFound, "challenge not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load challenge")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"connect": ch.ConnectionType})
}

// instanceCall decodes the common {chal_id} payload and scopes the
// caller to its quota identity.
func (h *Handler) instanceCall(w http.ResponseWriter, r *http.Request) (store.Owner, int64, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return store.Owner{}, 0, false
	}

	ident, _ := identityFrom(r.Context())
	owner, err := ident.Scope(h.teamMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "you must join a team first")
		return store.Owner{}, 0, false
	}

	var payload instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return store.Owner{}, 0, false
	}

	return owner, payload.ChallengeID, true
}

func (h *Handler) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrChallengeNotFound):
		writeError(w, http.StatusNotFound, "challenge not found")
	case errors.Is(err, store.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "no instance for this challenge")
	case errors.Is(err, lifecycle.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, "maximum number of instances reached, stop one first")
	case errors.Is(err, lifecycle.ErrAlreadySolved):
		writeError(w, http.StatusForbidden, "challenge already solved")
	case backend.IsUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "execution backend unavailable")
	case backend.IsImageNotFound(err):
		writeError(w, http.StatusInternalServerError, "challenge image missing on backend")
	case backend.IsInvalidConfig(err), errors.Is(err, lifecycle.ErrConfiguration):
		writeError(w, http.StatusInternalServerError, "instance configuration invalid, contact an admin")
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
