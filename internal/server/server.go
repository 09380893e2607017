package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Config holds the reference backend settings.
type Config struct {
	Addr          string
	JWTSecret     string
	ClientID      string
	ClientSecret  string
	TokenLifetime time.Duration
	FilesDir      string
}

// Server is a small reference backend implementing the three wire
// endpoints the client speaks, enough for local development and
// integration tests.
type Server struct {
	DB  *sql.DB
	Cfg Config
	Log *slog.Logger
	Now func() time.Time
}

func New(db *sql.DB, cfg Config, log *slog.Logger) *Server {
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{DB: db, Cfg: cfg, Log: log, Now: time.Now}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/create_app_user_preauth/", s.handleCreateUser)
	r.Post("/auth/token/", s.handleToken)
	r.Put("/api/receive_file/", s.handleReceiveFile)
	return r
}

// ListenAndServe blocks serving the router on Cfg.Addr.
func (s *Server) ListenAndServe() error {
	s.Log.Info("reference backend listening", "addr", s.Cfg.Addr)
	return http.ListenAndServe(s.Cfg.Addr, s.Router())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"detail": msg})
}

// handleCreateUser registers a pre-auth app user. The server assigns
// the credential; whatever the client proposed is discarded.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	if email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	username := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	password := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "hash failure")
		return
	}
	_, err = s.DB.Exec(
		`INSERT INTO app_users(username, password_hash, email, created_at) VALUES (?,?,?,?)`,
		username, string(hash), email, s.Now().UTC().Format(time.RFC3339))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store failure")
		return
	}
	s.Log.Info("app user created", "username", username)
	respondJSON(w, http.StatusOK, map[string]string{
		"username": username,
		"password": password,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "multipart form required")
		return
	}
	form := func(key string) string { return strings.TrimSpace(r.PostFormValue(key)) }

	if form("client_id") != s.Cfg.ClientID || form("client_secret") != s.Cfg.ClientSecret {
		respondError(w, http.StatusUnauthorized, "invalid client")
		return
	}

	var username string
	switch form("grant_type") {
	case "password":
		username = form("username")
		var hash string
		err := s.DB.QueryRow(`SELECT password_hash FROM app_users WHERE username=?`, username).Scan(&hash)
		if err == sql.ErrNoRows {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store failure")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(form("password"))) != nil {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
	case "refresh_token":
		presented := form("refresh_token")
		var revoked int
		err := s.DB.QueryRow(
			`SELECT username, revoked FROM refresh_tokens WHERE token=?`, presented).Scan(&username, &revoked)
		if err == sql.ErrNoRows || (err == nil && revoked != 0) {
			respondError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store failure")
			return
		}
		// Rotation: a presented token is spent whether or not the
		// client ever sees the reply.
		if _, err := s.DB.Exec(`UPDATE refresh_tokens SET revoked=1 WHERE token=?`, presented); err != nil {
			respondError(w, http.StatusInternalServerError, "store failure")
			return
		}
	default:
		respondError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}

	access, err := issueAccessToken(s.Cfg.JWTSecret, username, s.Cfg.TokenLifetime, s.Now())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token issue failure")
		return
	}
	refresh := uuid.NewString()
	_, err = s.DB.Exec(
		`INSERT INTO refresh_tokens(token, username, created_at) VALUES (?,?,?)`,
		refresh, username, s.Now().UTC().Format(time.RFC3339))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store failure")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    strconv.FormatInt(int64(s.Cfg.TokenLifetime/time.Second), 10),
	})
}

func (s *Server) handleReceiveFile(w http.ResponseWriter, r *http.Request) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := bearerToken(authz)
	if !ok {
		respondError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	username, err := verifyAccessToken(s.Cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid access token")
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		respondError(w, http.StatusBadRequest, "multipart body required")
		return
	}
	reader := multipart.NewReader(r.Body, params["boundary"])

	dir := filepath.Join(s.Cfg.FilesDir, username, fmt.Sprintf("%d", s.Now().UnixNano()))
	if s.Cfg.FilesDir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			respondError(w, http.StatusInternalServerError, "store failure")
			return
		}
	}

	var total int64
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		name := part.FormName()
		size, err := s.storePart(dir, name, part)
		part.Close()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store failure")
			return
		}
		total += size
		_, err = s.DB.Exec(
			`INSERT INTO received_files(username, part_name, size, received_at) VALUES (?,?,?,?)`,
			username, name, size, s.Now().UTC().Format(time.RFC3339))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store failure")
			return
		}
	}
	if total == 0 {
		respondError(w, http.StatusBadRequest, "empty payload")
		return
	}

	s.Log.Info("payload received", "username", username, "bytes", total)
	respondJSON(w, http.StatusOK, map[string]int64{"received_data_length": total})
}

// storePart writes one part to disk when FilesDir is set, otherwise it
// just counts the bytes.
func (s *Server) storePart(dir, name string, part io.Reader) (int64, error) {
	if s.Cfg.FilesDir == "" {
		return io.Copy(io.Discard, part)
	}
	f, err := os.Create(filepath.Join(dir, filepath.Base(name)))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, part)
}
