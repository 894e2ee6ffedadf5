package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-session-authority/auth"
	"github.com/jrsteele09/go-session-authority/autherr"
	"github.com/jrsteele09/go-session-authority/linking"
)

// authFlowCookieName carries "<state>.<pkce verifier>" between authorize and callback.
const authFlowCookieName = "sa_auth_flow"

type idTokenRequest struct {
	IDToken string `json:"id_token"`
}

type externalRegisterRequest struct {
	IDToken     string            `json:"id_token"`
	DisplayName string            `json:"display_name"`
	Claims      []auth.ClaimInput `json:"claims"`
	Profile     map[string]string `json:"profile,omitempty"`
}

type linkRequest struct {
	IDToken string `json:"id_token"`
	Promote bool   `json:"promote"`
}

func (s *Server) verifyIDToken(r *http.Request, op, raw string) (*linking.ExternalIdentity, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, badRequest(op, "id_token is required")
	}
	identity, err := s.deps.External.Verify(r.Context(), raw)
	if err != nil {
		return nil, autherr.E(autherr.InvalidCredentials, op, err)
	}
	return identity, nil
}

// ExternalLoginHandler signs in with a provider ID token. A 409 registration_required
// answer tells the client to continue at RouteExternalSignup.
func (s *Server) ExternalLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "server.ExternalLogin"

		var req idTokenRequest
		if err := decodeJSON(r, op, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		identity, err := s.verifyIDToken(r, op, req.IDToken)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		pair, err := s.deps.Linking.AuthenticateViaExternal(r.Context(), *identity)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, pair)
	}
}

func (s *Server) ExternalRegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "server.ExternalRegister"

		var req externalRegisterRequest
		if err := decodeJSON(r, op, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		identity, err := s.verifyIDToken(r, op, req.IDToken)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		pair, err := s.deps.Auth.RegisterExternal(r.Context(), *identity, auth.ExternalRegisterInput{
			DisplayName: req.DisplayName,
			Claims:      req.Claims,
			Profile:     req.Profile,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, pair)
	}
}

// ExternalAuthorizeHandler starts the authorization-code flow with state and PKCE.
func (s *Server) ExternalAuthorizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "server.ExternalAuthorize"

		state, err := generateRandomString(32)
		if err != nil {
			s.writeError(w, r, autherr.E(autherr.Internal, op, err))
			return
		}
		verifier := oauth2.GenerateVerifier()

		authURL, err := s.deps.External.AuthCodeURL(state, verifier)
		if err != nil {
			s.writeError(w, r, autherr.E(autherr.Internal, op, err))
			return
		}

		s.setAuthFlowCookie(w, r, state+"."+verifier, 300)
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// OAuthCallbackHandler completes the flow started by ExternalAuthorizeHandler.
func (s *Server) OAuthCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "server.OAuthCallback"

		if errorParam := r.FormValue("error"); errorParam != "" {
			s.writeError(w, r, autherr.Ef(autherr.InvalidInput, op, "provider returned %s", errorParam))
			return
		}
		state, code := r.FormValue("state"), r.FormValue("code")
		if state == "" || code == "" {
			s.writeError(w, r, badRequest(op, "missing code or state parameter"))
			return
		}

		cookie, err := r.Cookie(authFlowCookieName)
		if err != nil {
			s.writeError(w, r, badRequest(op, "authorization flow expired"))
			return
		}
		// Single use either way.
		s.setAuthFlowCookie(w, r, "", -1)

		wantState, verifier, ok := strings.Cut(cookie.Value, ".")
		if !ok || subtle.ConstantTimeCompare([]byte(state), []byte(wantState)) != 1 {
			s.writeError(w, r, badRequest(op, "invalid state parameter"))
			return
		}

		identity, err := s.deps.External.Exchange(r.Context(), code, verifier)
		if err != nil {
			s.writeError(w, r, autherr.E(autherr.InvalidCredentials, op, err))
			return
		}
		pair, err := s.deps.Linking.AuthenticateViaExternal(r.Context(), *identity)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, pair)
	}
}

// LinkHandler links the caller's account to the identity in a provider ID token.
func (s *Server) LinkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "server.Link"

		var req linkRequest
		if err := decodeJSON(r, op, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		identity, err := s.verifyIDToken(r, op, req.IDToken)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !identity.EmailVerified {
			s.writeError(w, r, autherr.E(autherr.UnverifiedExternalEmail, op, nil))
			return
		}

		var options []linking.LinkOption
		if req.Promote {
			options = append(options, linking.Promote())
		}
		if err := s.deps.Linking.Link(r.Context(), accountIDFrom(r), identity.Subject, identity.Email, options...); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) UnlinkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Linking.Unlink(r.Context(), accountIDFrom(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) setAuthFlowCookie(w http.ResponseWriter, r *http.Request, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     authFlowCookieName,
		Value:    value,
		Path:     "/v1/external",
		HttpOnly: true,
		Secure:   getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

// generateRandomString creates a random base64url string from length bytes.
func generateRandomString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
