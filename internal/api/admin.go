package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/lifecycle"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
)

type runningResponse struct {
	Connected  bool                       `json:"connected"`
	Containers []lifecycle.InstanceStatus `json:"containers"`
	Owners     []store.Owner              `json:"owners"`
	Challenges []int64                    `json:"challenges"`
}

// AdminListRunning returns every registered instance with its derived
// running state plus the unique owner and challenge facets the
// dashboard filters on.
func (h *Handler) AdminListRunning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	statuses, err := h.manager.ListInstances(r.Context())
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	resp := runningResponse{
		Connected:  h.manager.Connected(r.Context()),
		Containers: statuses,
		Owners:     []store.Owner{},
		Challenges: []int64{},
	}

	seenOwners := make(map[store.Owner]bool)
	seenChallenges := make(map[int64]bool)
	for _, s := range statuses {
		if !seenOwners[s.Owner] {
			seenOwners[s.Owner] = true
			resp.Owners = append(resp.Owners, s.Owner)
		}
		if !seenChallenges[s.ChallengeID] {
			seenChallenges[s.ChallengeID] = true
			resp.Challenges = append(resp.Challenges, s.ChallengeID)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type killRequest struct {
	ContainerID string `json:"container_id"`
	All         bool   `json:"all"`
}

// AdminKill tears down one instance by backend id, or every instance
// when all is set.
func (h *Handler) AdminKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload killRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if payload.All {
		instances, err := h.stores.Instances.List(r.Context())
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}
		ids := make([]string, 0, len(instances))
		for _, inst := range instances {
			ids = append(ids, inst.ID)
		}
		deleted := h.manager.Purge(r.Context(), ids)
		writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
		return
	}

	if payload.ContainerID == "" {
		writeError(w, http.StatusBadRequest, "container_id is required")
		return
	}
	if err := h.manager.StopByID(r.Context(), payload.ContainerID); err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type purgeRequest struct {
	ContainerIDs []string `json:"container_ids"`
}

// AdminPurge bulk-removes the listed instances, skipping failures.
func (h *Handler) AdminPurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	deleted := h.manager.Purge(r.Context(), payload.ContainerIDs)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *Handler) AdminImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	images, err := h.manager.Images(r.Context())
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"images": images})
}

// AdminSettings reads the stored configuration on GET and validates,
// persists and applies a new one on POST. Invalid values reject the
// whole update before anything is written.
func (h *Handler) AdminSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		values, err := h.stores.Settings.All(r.Context())
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, values)

	case http.MethodPost:
		var values map[string]string
		if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if err := h.manager.Reconfigure(r.Context(), values); err != nil {
			if errors.Is(err, lifecycle.ErrConfiguration) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			h.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// AdminAbuseRecords lists the append-only flag-sharing evidence.
func (h *Handler) AdminAbuseRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	records, err := h.stores.Abuse.List(r.Context())
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// AdminUpsertChallenge creates a challenge, or updates one and
// recomputes its point value from the decay curve.
func (h *Handler) AdminUpsertChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ch store.Challenge
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if ch.Image == "" || ch.Port <= 0 {
		writeError(w, http.StatusBadRequest, "image and port are required")
		return
	}
	if ch.FlagMode != store.FlagModeStatic && ch.FlagMode != store.FlagModeRandom {
		writeError(w, http.StatusBadRequest, "flag_mode must be static or random")
		return
	}

	if ch.ID == 0 {
		created, err := h.stores.Challenges.Create(r.Context(), ch)
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	updated, err := h.catalog.Update(r.Context(), ch)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
