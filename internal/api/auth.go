package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Auth endpoint paths.
const (
	pathLogin      = "/api/auth/login"
	pathSignup     = "/api/auth/signup"
	pathRefresh    = "/api/auth/refresh"
	pathOTPRequest = "/api/auth/otp/request"
	pathOTPVerify  = "/api/auth/verify-otp"
)

// TokenResponse is the body returned by login, signup, OTP verification and
// refresh. RefreshToken is optional: a refresh response that omits it keeps
// the current refresh token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// User is the account summary some auth responses include.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Credentials is the login/signup request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type otpRequest struct {
	Email string `json:"email"`
	Code  string `json:"code,omitempty"`
}

// Login exchanges email/password for a credential pair.
func (c *Client) Login(ctx context.Context, creds Credentials) (*TokenResponse, error) {
	return c.tokenCall(ctx, pathLogin, creds)
}

// Signup creates an account and returns its first credential pair.
func (c *Client) Signup(ctx context.Context, creds Credentials) (*TokenResponse, error) {
	return c.tokenCall(ctx, pathSignup, creds)
}

// RequestOTP asks the service to send a one-time code to email.
func (c *Client) RequestOTP(ctx context.Context, email string) error {
	if err := c.doJSON(ctx, http.MethodPost, pathOTPRequest, otpRequest{Email: email}, nil); err != nil {
		return fmt.Errorf("api: requesting one-time code: %w", err)
	}

	return nil
}

// VerifyOTP exchanges a one-time code for a credential pair.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (*TokenResponse, error) {
	return c.tokenCall(ctx, pathOTPVerify, otpRequest{Email: email, Code: code})
}

// Refresh exchanges a refresh token for a new access token (and possibly a
// rotated refresh token). An invalid or expired refresh token fails with
// ErrUnauthorized; no response at all fails with ErrTransport.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	c.logger.Info("refreshing access token")

	tok, err := c.tokenCall(ctx, pathRefresh, refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && errors.Is(apiErr.Err, ErrRejected) {
			// 400/403 on refresh means the refresh token itself is unusable.
			apiErr.Err = ErrUnauthorized
		}

		c.logger.Warn("token refresh failed", slog.String("error", err.Error()))

		return nil, err
	}

	c.logger.Info("access token refreshed",
		slog.Bool("rotated_refresh", tok.RefreshToken != ""),
	)

	return tok, nil
}

func (c *Client) tokenCall(ctx context.Context, path string, body any) (*TokenResponse, error) {
	var tok TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, path, body, &tok); err != nil {
		return nil, fmt.Errorf("api: %s: %w", path, err)
	}

	if tok.AccessToken == "" {
		return nil, fmt.Errorf("api: %s: %w: missing access_token", path, ErrMalformedResponse)
	}

	return &tok, nil
}
