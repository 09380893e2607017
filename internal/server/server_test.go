package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"soundline/internal/db"
	"soundline/internal/migrate"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	s := New(conn, Config{
		JWTSecret:     "test-secret",
		ClientID:      "cid",
		ClientSecret:  "csecret",
		TokenLifetime: 10 * time.Hour,
		FilesDir:      filepath.Join(dir, "received"),
	}, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func createUser(t *testing.T, srv *httptest.Server) (username, password string) {
	t.Helper()
	resp, err := http.PostForm(srv.URL+"/api/create_app_user_preauth/",
		url.Values{"username": {"ignored"}, "password": {"ignored"}, "email": {"p@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create user status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["username"] == "" || out["password"] == "" {
		t.Fatalf("reply = %v", out)
	}
	if out["username"] == "ignored" {
		t.Fatal("server must assign its own username")
	}
	return out["username"], out["password"]
}

func tokenRequest(t *testing.T, srv *httptest.Server, fields map[string]string) (*http.Response, map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/auth/token/", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPasswordGrant(t *testing.T) {
	srv := newTestServer(t)
	username, password := createUser(t, srv)

	resp, out := tokenRequest(t, srv, map[string]string{
		"client_id": "cid", "client_secret": "csecret",
		"grant_type": "password", "username": username, "password": password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["access_token"] == "" || out["refresh_token"] == "" {
		t.Fatalf("reply = %v", out)
	}
	if out["expires_in"] != "36000" {
		t.Fatalf("expires_in = %q, want string-encoded seconds", out["expires_in"])
	}
}

func TestInvalidClientRejected(t *testing.T) {
	srv := newTestServer(t)
	username, password := createUser(t, srv)

	resp, _ := tokenRequest(t, srv, map[string]string{
		"client_id": "cid", "client_secret": "wrong",
		"grant_type": "password", "username": username, "password": password,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	srv := newTestServer(t)
	username, _ := createUser(t, srv)

	resp, _ := tokenRequest(t, srv, map[string]string{
		"client_id": "cid", "client_secret": "csecret",
		"grant_type": "password", "username": username, "password": "nope",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRefreshRotation(t *testing.T) {
	srv := newTestServer(t)
	username, password := createUser(t, srv)

	_, first := tokenRequest(t, srv, map[string]string{
		"client_id": "cid", "client_secret": "csecret",
		"grant_type": "password", "username": username, "password": password,
	})

	resp, second := tokenRequest(t, srv, map[string]string{
		"client_id": "cid", "client_secret": "csecret",
		"grant_type": "refresh_token", "refresh_token": first["refresh_token"],
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	if second["refresh_token"] == first["refresh_token"] {
		t.Fatal("refresh token was not rotated")
	}

	// The spent token must be rejected.
	resp, _ = tokenRequest(t, srv, map[string]string{
		"client_id": "cid", "client_secret": "csecret",
		"grant_type": "refresh_token", "refresh_token": first["refresh_token"],
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reused refresh status = %d", resp.StatusCode)
	}
}

func uploadBody(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("daily.json", "daily.json")
	io.Copy(part, strings.NewReader(`{"symptoms":"none"}`))
	part, _ = mw.CreateFormFile("audio_file_breathe.m4a", "audio_file_breathe.m4a")
	io.Copy(part, strings.NewReader("audio"))
	mw.Close()
	return mw.FormDataContentType(), &buf
}

func TestReceiveFile(t *testing.T) {
	srv := newTestServer(t)
	username, password := createUser(t, srv)
	_, tokens := tokenRequest(t, srv, map[string]string{
		"client_id": "cid", "client_secret": "csecret",
		"grant_type": "password", "username": username, "password": password,
	})

	contentType, body := uploadBody(t)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/receive_file/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+tokens["access_token"])
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["received_data_length"] <= 0 {
		t.Fatalf("received_data_length = %d", out["received_data_length"])
	}
}

func TestReceiveFileRequiresBearer(t *testing.T) {
	srv := newTestServer(t)
	contentType, body := uploadBody(t)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/receive_file/", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/receive_file/", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", resp.StatusCode)
	}
}
