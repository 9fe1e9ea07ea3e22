package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"tangled.org/loom/secrets"
)

type addSecretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type listSecretsResponse struct {
	Secrets []listedSecret `json:"secrets"`
}

type listedSecret struct {
	Repo      string `json:"repo"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
	CreatedBy string `json:"created_by"`
}

func secretRepo(r *http.Request) secrets.RepoPath {
	return secrets.RepoPath(chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo"))
}

// actor is whoever the authenticated caller claims to be; secrets are
// stamped with it for auditing.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Loom-Actor"); a != "" {
		return a
	}
	return "admin"
}

// AddSecret stores one secret for a repo. The key becomes an environment
// variable in every step of that repo's jobs.
func (s *Loom) AddSecret(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "AddSecret")

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "bad webhook secret")
		return
	}

	var req addSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := secrets.ValidateKey(req.Key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	secret := secrets.UnlockedSecret{
		Repo:      secretRepo(r),
		Key:       req.Key,
		Value:     req.Value,
		CreatedAt: time.Now(),
		CreatedBy: actor(r),
	}

	if err := s.sm.AddSecret(r.Context(), secret); err != nil {
		if errors.Is(err, secrets.ErrKeyAlreadyPresent) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		l.Error("failed to add secret", "repo", secret.Repo, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ListSecrets returns a repo's secret keys. Values are never served.
func (s *Loom) ListSecrets(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "ListSecrets")

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "bad webhook secret")
		return
	}

	repo := secretRepo(r)
	ls, err := s.sm.GetSecretsLocked(r.Context(), repo)
	if err != nil {
		l.Error("failed to list secrets", "repo", repo, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := listSecretsResponse{}
	for _, secret := range ls {
		resp.Secrets = append(resp.Secrets, listedSecret{
			Repo:      string(secret.Repo),
			Key:       secret.Key,
			CreatedAt: secret.CreatedAt.Format(time.RFC3339),
			CreatedBy: secret.CreatedBy,
		})
	}

	writeJson(w, http.StatusOK, resp)
}

func (s *Loom) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "RemoveSecret")

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "bad webhook secret")
		return
	}

	secret := secrets.Secret[any]{
		Repo: secretRepo(r),
		Key:  chi.URLParam(r, "key"),
	}

	if err := s.sm.RemoveSecret(r.Context(), secret); err != nil {
		if errors.Is(err, secrets.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		l.Error("failed to remove secret", "repo", secret.Repo, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
}
