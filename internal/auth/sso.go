package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// SSO performs the OAuth2 authorization-code handoff against an external
// identity provider and turns the provider's user info into a gateway
// session token. User provisioning itself is a control-plane concern; the
// gateway only needs an existing user's identity confirmed.
type SSO struct {
	cfg         *oauth2.Config
	userInfoURL string
	sessions    *SessionManager
	lookup      UserLookup
}

// UserLookup maps a verified email to a provisioned gateway user; ok is
// false for unknown users.
type UserLookup func(ctx context.Context, email string) (SSOUser, bool, error)

type SSOUser struct {
	ID    uuid.UUID
	OrgID *uuid.UUID
}

func NewSSO(clientID, clientSecret, authURL, tokenURL, userInfoURL, redirectURL string, sessions *SessionManager, lookup UserLookup) *SSO {
	return &SSO{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: userInfoURL,
		sessions:    sessions,
		lookup:      lookup,
	}
}

// LoginURL returns the provider authorization URL carrying state.
func (s *SSO) LoginURL(state string) string {
	return s.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// HandleCallback exchanges the authorization code, fetches the provider's
// user info, and issues a session token for the matching gateway user.
func (s *SSO) HandleCallback(ctx context.Context, code string) (string, error) {
	token, err := s.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("auth: oauth exchange: %w", err)
	}

	email, err := s.fetchEmail(ctx, token)
	if err != nil {
		return "", err
	}

	user, ok, err := s.lookup(ctx, email)
	if err != nil {
		return "", fmt.Errorf("auth: user lookup: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("auth: no gateway user provisioned for %s", email)
	}
	return s.sessions.Issue(user.ID, user.OrgID, email)
}

func (s *SSO) fetchEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	client := s.cfg.Client(ctx, token)
	resp, err := client.Get(s.userInfoURL)
	if err != nil {
		return "", fmt.Errorf("auth: userinfo fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: userinfo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("auth: userinfo read: %w", err)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil || info.Email == "" {
		return "", fmt.Errorf("auth: userinfo has no email")
	}
	return info.Email, nil
}
