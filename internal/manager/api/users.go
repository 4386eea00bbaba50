package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/store"
)

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleCreateUser provisions a local account, admin-only (spec.md §5). The
// password is never stored in the clear; only its bcrypt hash is persisted.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "username and a password of at least 8 characters are required", nil))
		return
	}
	if !model.ValidRole(req.Role) {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "unrecognized role", nil))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.handleErr(w, err, "hash password")
		return
	}

	u := &model.User{
		ID: model.NewID(), Username: req.Username, Role: req.Role,
		PasswordHash: string(hash), CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.writeAPIError(w, apierr.New(apierr.Conflict, "username already exists", nil))
			return
		}
		s.handleErr(w, err, "create user")
		return
	}
	s.writeJSON(w, http.StatusCreated, u)
}

type issueTokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
}

// handleIssueToken exchanges a username/password pair for a bearer token
// (spec.md §5). Like handleCreateUser this is admin-only: a deployment
// front-ending this endpoint with an interactive login flow would relax
// that to "self-service with a bootstrap admin token" — out of scope here.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	u, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.AuthRequired, "invalid credentials", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get user")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		s.writeAPIError(w, apierr.New(apierr.AuthRequired, "invalid credentials", nil))
		return
	}

	tok, err := s.issuer.Issue(r.Context(), u.ID, u.Role, req.Name)
	if err != nil {
		s.handleErr(w, err, "issue token")
		return
	}
	s.writeJSON(w, http.StatusCreated, issueTokenResponse{Token: tok})
}
