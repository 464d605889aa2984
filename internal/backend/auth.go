package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	errs "github.com/avilchez/docsync/internal/errors"
)

// UserMetadata holds the profile fields stored alongside the account.
type UserMetadata struct {
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
}

// User is the authenticated account as reported by the auth service.
type User struct {
	ID       string       `json:"id"`
	Email    string       `json:"email"`
	Metadata UserMetadata `json:"user_metadata"`
}

// Session is an authenticated session. AccessToken scopes every rows,
// storage, and realtime call to the owning user.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

type credentialsRequest struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Data     *UserMetadata `json:"data,omitempty"`
}

// SignIn authenticates with email and password, returning a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var session Session

	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   credentialsRequest{Email: email, Password: password},
	}, &session)
	if err != nil {
		if !IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", errs.ErrInvalidCredentials, err)
		}

		return nil, fmt.Errorf("signing in: %w", err)
	}

	return &session, nil
}

// SignUp registers a new account with profile metadata and returns the
// initial session.
func (c *Client) SignUp(ctx context.Context, email, password string, meta UserMetadata) (*Session, error) {
	var session Session

	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body:   credentialsRequest{Email: email, Password: password, Data: &meta},
	}, &session)
	if err != nil {
		return nil, fmt.Errorf("signing up: %w", err)
	}

	return &session, nil
}

// SignOut invalidates the given access token.
func (c *Client) SignOut(ctx context.Context, token string) error {
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		token:  token,
	}, nil)
	if err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// ResetPassword requests a password-recovery email for the account.
func (c *Client) ResetPassword(ctx context.Context, email string) error {
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/recover",
		body:   map[string]string{"email": email},
	}, nil)
	if err != nil {
		return fmt.Errorf("requesting password reset: %w", err)
	}

	return nil
}

// CurrentUser validates an access token by fetching the account behind
// it. Used on startup to decide whether a cached session is still good.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	var user User

	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/auth/v1/user",
		token:  token,
	}, &user)
	if err != nil {
		if !IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", errs.ErrSessionExpired, err)
		}

		return nil, fmt.Errorf("validating session: %w", err)
	}

	if user.ID == "" {
		return nil, errs.ErrSessionExpired
	}

	return &user, nil
}

// UpdateProfile changes the profile metadata of the authenticated user.
func (c *Client) UpdateProfile(ctx context.Context, token string, meta UserMetadata) (*User, error) {
	var user User

	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   "/auth/v1/user",
		token:  token,
		body:   map[string]UserMetadata{"data": meta},
	}, &user)
	if err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}

	return &user, nil
}
