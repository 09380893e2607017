package store

import (
	"database/sql"
	"fmt"
	"time"

	"soundline/internal/domain"
)

// LoadStatus distinguishes "never loaded" from "loaded and absent".
type LoadStatus int

const (
	NotLoaded LoadStatus = iota
	Absent
	Present
)

// Loaded is a tagged load result. The zero value is NotLoaded.
type Loaded[T any] struct {
	Status LoadStatus
	Value  T
}

func present[T any](v T) Loaded[T] { return Loaded[T]{Status: Present, Value: v} }
func absent[T any]() Loaded[T]     { return Loaded[T]{Status: Absent} }

// Participant is the locally persisted identity plus its submission record.
type Participant struct {
	Credential domain.Credential
	Record     domain.SubmissionRecord
}

// Pending is a buffered submission kept for retry across failures.
// Attempts carries the retry counter across process restarts.
type Pending struct {
	Daily      domain.DailyAnswers
	Initial    domain.InitialAnswers
	Recordings domain.Recordings
	Attempts   int
	CreatedAt  time.Time
}

// Store persists client state in SQLite. All tables are single-row
// except events.
type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid stored timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

// LoadUser reads the participant row.
func (s *Store) LoadUser() (Loaded[Participant], error) {
	var p Participant
	var lastCompleted, uploadedInitial sql.NullString
	err := s.DB.QueryRow(
		`SELECT username, password, last_completed, uploaded_initial FROM participant WHERE id=1`,
	).Scan(&p.Credential.Username, &p.Credential.Password, &lastCompleted, &uploadedInitial)
	if err == sql.ErrNoRows {
		return absent[Participant](), nil
	}
	if err != nil {
		return Loaded[Participant]{}, fmt.Errorf("load user: %w", err)
	}
	if p.Record.LastCompletedAt, err = parseTime(lastCompleted); err != nil {
		return Loaded[Participant]{}, err
	}
	if p.Record.UploadedInitialAt, err = parseTime(uploadedInitial); err != nil {
		return Loaded[Participant]{}, err
	}
	return present(p), nil
}

// SaveUser upserts the participant row.
func (s *Store) SaveUser(p Participant) error {
	_, err := s.DB.Exec(
		`INSERT INTO participant(id, username, password, last_completed, uploaded_initial)
		 VALUES (1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username=excluded.username, password=excluded.password,
		   last_completed=excluded.last_completed, uploaded_initial=excluded.uploaded_initial`,
		p.Credential.Username, p.Credential.Password,
		formatTime(p.Record.LastCompletedAt), formatTime(p.Record.UploadedInitialAt),
	)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// LoadToken reads the token row.
func (s *Store) LoadToken() (Loaded[domain.Token], error) {
	var t domain.Token
	var expiresAt, refreshedAt string
	err := s.DB.QueryRow(
		`SELECT access_token, refresh_token, expires_at, refreshed_at FROM token WHERE id=1`,
	).Scan(&t.AccessToken, &t.RefreshToken, &expiresAt, &refreshedAt)
	if err == sql.ErrNoRows {
		return absent[domain.Token](), nil
	}
	if err != nil {
		return Loaded[domain.Token]{}, fmt.Errorf("load token: %w", err)
	}
	if t.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return Loaded[domain.Token]{}, fmt.Errorf("invalid stored expires_at: %w", err)
	}
	if t.RefreshedAt, err = time.Parse(time.RFC3339, refreshedAt); err != nil {
		return Loaded[domain.Token]{}, fmt.Errorf("invalid stored refreshed_at: %w", err)
	}
	return present(t), nil
}

// SaveToken replaces the token row. Both halves of the pair are
// written together so a refresh can never leave a mixed pair behind,
// and a successful grant clears the refresh-failed flag in the same
// write.
func (s *Store) SaveToken(t domain.Token) error {
	_, err := s.DB.Exec(
		`INSERT INTO token(id, access_token, refresh_token, expires_at, refreshed_at, refresh_failed)
		 VALUES (1,?,?,?,?,0)
		 ON CONFLICT(id) DO UPDATE SET
		   access_token=excluded.access_token, refresh_token=excluded.refresh_token,
		   expires_at=excluded.expires_at, refreshed_at=excluded.refreshed_at,
		   refresh_failed=0`,
		t.AccessToken, t.RefreshToken,
		t.ExpiresAt.UTC().Format(time.RFC3339), t.RefreshedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// LoadRefreshFailed reports whether the last grant attempt against the
// stored token failed. Without a token row the flag is vacuously false;
// the next grant is an exchange regardless.
func (s *Store) LoadRefreshFailed() (bool, error) {
	var v int
	err := s.DB.QueryRow(`SELECT refresh_failed FROM token WHERE id=1`).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load refresh flag: %w", err)
	}
	return v != 0, nil
}

// SetRefreshFailed marks the stored token as having failed its last
// grant, forcing the next attempt onto a fresh exchange.
func (s *Store) SetRefreshFailed(failed bool) error {
	v := 0
	if failed {
		v = 1
	}
	if _, err := s.DB.Exec(`UPDATE token SET refresh_failed=? WHERE id=1`, v); err != nil {
		return fmt.Errorf("set refresh flag: %w", err)
	}
	return nil
}

// SavePending buffers a submission for retry.
func (s *Store) SavePending(p Pending) error {
	_, err := s.DB.Exec(
		`INSERT INTO pending_submission(id, symptoms, covid, hospital,
		   user_sex, user_age, medical_history, smoking,
		   breathe_path, cough_path, read_path, attempts, created_at)
		 VALUES (1,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   symptoms=excluded.symptoms, covid=excluded.covid, hospital=excluded.hospital,
		   user_sex=excluded.user_sex, user_age=excluded.user_age,
		   medical_history=excluded.medical_history, smoking=excluded.smoking,
		   breathe_path=excluded.breathe_path, cough_path=excluded.cough_path,
		   read_path=excluded.read_path, attempts=excluded.attempts,
		   created_at=excluded.created_at`,
		p.Daily.Symptoms, p.Daily.Covid, p.Daily.Hospital,
		p.Initial.Sex, p.Initial.Age, p.Initial.MedicalHistory, p.Initial.Smoking,
		p.Recordings.Breathe, p.Recordings.Cough, p.Recordings.Read,
		p.Attempts, p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save pending submission: %w", err)
	}
	return nil
}

// LoadPending reads the buffered submission, if any.
func (s *Store) LoadPending() (Loaded[Pending], error) {
	var p Pending
	var createdAt string
	err := s.DB.QueryRow(
		`SELECT symptoms, covid, hospital, user_sex, user_age, medical_history, smoking,
		   breathe_path, cough_path, read_path, attempts, created_at
		 FROM pending_submission WHERE id=1`,
	).Scan(&p.Daily.Symptoms, &p.Daily.Covid, &p.Daily.Hospital,
		&p.Initial.Sex, &p.Initial.Age, &p.Initial.MedicalHistory, &p.Initial.Smoking,
		&p.Recordings.Breathe, &p.Recordings.Cough, &p.Recordings.Read, &p.Attempts, &createdAt)
	if err == sql.ErrNoRows {
		return absent[Pending](), nil
	}
	if err != nil {
		return Loaded[Pending]{}, fmt.Errorf("load pending submission: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Loaded[Pending]{}, fmt.Errorf("invalid stored created_at: %w", err)
	}
	return present(p), nil
}

// UpdatePendingAttempts records the retry counter on the buffered
// submission.
func (s *Store) UpdatePendingAttempts(n int) error {
	if _, err := s.DB.Exec(`UPDATE pending_submission SET attempts=? WHERE id=1`, n); err != nil {
		return fmt.Errorf("update pending attempts: %w", err)
	}
	return nil
}

// ClearPending removes the buffered submission after a successful upload.
func (s *Store) ClearPending() error {
	if _, err := s.DB.Exec(`DELETE FROM pending_submission WHERE id=1`); err != nil {
		return fmt.Errorf("clear pending submission: %w", err)
	}
	return nil
}

// Reset wipes all client state. The reference backend tables are left
// alone so a local server keeps its registered users.
func (s *Store) Reset() error {
	for _, stmt := range []string{
		`DELETE FROM participant`,
		`DELETE FROM token`,
		`DELETE FROM pending_submission`,
		`DELETE FROM events`,
	} {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return nil
}
