package server

import (
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/jrsteele09/go-session-authority/auth"
	"github.com/jrsteele09/go-session-authority/autherr"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type setPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

type accountView struct {
	ID                 string                      `json:"id"`
	Email              string                      `json:"email"`
	DisplayName        string                      `json:"display_name"`
	VerificationStatus accounts.VerificationStatus `json:"verification_status"`
	Claims             []accounts.Claim            `json:"claims"`
	Provider           accounts.ProviderType       `json:"provider"`
	Linked             bool                        `json:"linked"`
	HasPassword        bool                        `json:"has_password"`
	Profile            map[string]string           `json:"profile,omitempty"`
	Preferences        accounts.Preferences        `json:"preferences"`
	CreatedAt          time.Time                   `json:"created_at"`
	LastLogin          *time.Time                  `json:"last_login,omitempty"`
}

func newAccountView(a *accounts.Account) accountView {
	v := accountView{
		ID:                 a.ID,
		Email:              a.Email,
		DisplayName:        a.DisplayName,
		VerificationStatus: a.VerificationStatus(),
		Claims:             a.Claims,
		Provider:           a.Provider,
		Linked:             a.IsLinked(),
		HasPassword:        a.HasPassword(),
		Profile:            a.Profile,
		Preferences:        a.Preferences,
		CreatedAt:          a.CreatedAt,
	}
	if !a.LastLogin.IsZero() {
		t := a.LastLogin
		v.LastLogin = &t
	}
	return v
}

// RegisterHandler creates a local account and answers with its first session.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in auth.RegisterInput
		if err := decodeJSON(r, "server.Register", &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		pair, err := s.deps.Auth.Register(r.Context(), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, pair)
	}
}

func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeJSON(r, "server.Login", &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		pair, err := s.deps.Auth.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, pair)
	}
}

func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := decodeJSON(r, "server.Refresh", &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		pair, err := s.deps.Tokens.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, pair)
	}
}

// RevokeHandler is logout: it revokes the presented refresh token. Revoking twice answers 204 both times.
func (s *Server) RevokeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := decodeJSON(r, "server.Revoke", &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.deps.Tokens.RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "server.Me"

		account, err := s.deps.Accounts.GetByID(r.Context(), accountIDFrom(r))
		switch {
		case errors.Is(err, accounts.ErrNotFound):
			s.writeError(w, r, autherr.E(autherr.AccountNotFound, op, err))
			return
		case err != nil:
			s.writeError(w, r, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Server.MeHandler] GetByID")))
			return
		case !account.Active:
			s.writeError(w, r, autherr.E(autherr.AccountDeactivated, op, nil))
			return
		}
		writeData(w, http.StatusOK, newAccountView(account))
	}
}

func (s *Server) ChangePasswordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req changePasswordRequest
		if err := decodeJSON(r, "server.ChangePassword", &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.deps.Auth.ChangePassword(r.Context(), accountIDFrom(r), req.CurrentPassword, req.NewPassword); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) SetPasswordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setPasswordRequest
		if err := decodeJSON(r, "server.SetPassword", &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.deps.Auth.SetPassword(r.Context(), accountIDFrom(r), req.NewPassword); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RevokeAllHandler signs the caller out everywhere.
func (s *Server) RevokeAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.deps.Tokens.RevokeAll(r.Context(), accountIDFrom(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]int{"revoked": n})
	}
}

func (s *Server) DeactivateSelfHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Auth.Deactivate(r.Context(), accountIDFrom(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		writeJSON(w, http.StatusOK, s.deps.JWKS)
	}
}
