package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"soundline/internal/domain"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// Client talks to the survey backend. Zero value is not usable; use New.
type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Log          *slog.Logger
}

func New(baseURL, clientID, clientSecret string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: timeout},
		Log:          log,
	}
}

// TokenResponse is the backend's token grant reply. The backend encodes
// expires_in as a decimal string, not a number.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

// ExpiresInSeconds parses the string-encoded lifetime.
func (r TokenResponse) ExpiresInSeconds() (int64, error) {
	secs, err := strconv.ParseInt(r.ExpiresIn, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expires_in %q: %w", r.ExpiresIn, err)
	}
	return secs, nil
}

// UploadReceipt is the backend's acknowledgement of a received payload.
type UploadReceipt struct {
	ReceivedDataLength int64 `json:"received_data_length"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateUser registers a pre-auth app user. The backend may override the
// proposed credential; the returned one is authoritative.
func (c *Client) CreateUser(ctx context.Context, proposed domain.Credential, email string) (domain.Credential, error) {
	form := url.Values{}
	form.Set("username", proposed.Username)
	form.Set("password", proposed.Password)
	form.Set("email", email)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/create_app_user_preauth/", strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var assigned domain.Credential
	if err := c.do(req, &assigned); err != nil {
		return domain.Credential{}, err
	}
	if !assigned.Complete() {
		return domain.Credential{}, domain.Ef(domain.KindReceivedData, "registration reply missing credential fields")
	}
	c.Log.Info("registered app user", "username", assigned.Username)
	return assigned, nil
}

func (c *Client) tokenRequest(ctx context.Context, fields map[string]string) (TokenResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return TokenResponse{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return TokenResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/auth/token/", &buf)
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var tr TokenResponse
	if err := c.do(req, &tr); err != nil {
		return TokenResponse{}, err
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" || tr.ExpiresIn == "" {
		return TokenResponse{}, domain.Ef(domain.KindReceivedData, "token reply missing fields")
	}
	return tr, nil
}

// ExchangeToken performs the password grant.
func (c *Client) ExchangeToken(ctx context.Context, cred domain.Credential) (TokenResponse, error) {
	return c.tokenRequest(ctx, map[string]string{
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
		"grant_type":    "password",
		"username":      cred.Username,
		"password":      cred.Password,
	})
}

// RefreshToken performs the refresh_token grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	return c.tokenRequest(ctx, map[string]string{
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
}

// UploadFiles PUTs an assembled multipart body. contentType must carry
// the multipart boundary.
func (c *Client) UploadFiles(ctx context.Context, accessToken, contentType string, body io.Reader) (UploadReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/api/receive_file/", body)
	if err != nil {
		return UploadReceipt{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var receipt UploadReceipt
	if err := c.do(req, &receipt); err != nil {
		return UploadReceipt{}, err
	}
	c.Log.Info("upload acknowledged", "received_data_length", receipt.ReceivedDataLength)
	return receipt, nil
}

// Reachable probes the backend with a cheap GET. Any HTTP response at
// all, including 404, counts as reachable; only transport-level failures
// do not.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
