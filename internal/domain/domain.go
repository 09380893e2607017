package domain

import (
	"strconv"
	"time"
)

// Credential is the durable app identity. The backend assigns both fields
// on registration, overriding whatever the client sent.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credential) Complete() bool {
	return c.Username != "" && c.Password != ""
}

// Token is the OAuth2 quadruple. ExpiresAt is derived from the
// server-provided lifetime relative to the cycle's completion time; the
// four fields are always written together.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}

func (t Token) HasAccess() bool {
	return t.AccessToken != ""
}

// SubmissionRecord tracks what has been durably delivered so far.
type SubmissionRecord struct {
	LastCompletedAt   *time.Time `json:"last_completed_at,omitempty"`
	UploadedInitialAt *time.Time `json:"uploaded_initial_at,omitempty"`
}

// NeedsInitial reports whether the initial questionnaire must be part of
// the next upload. It is needed when it was never uploaded, or when the
// stored stamp equals the current cycle's completion time, meaning the
// stamp was written but the upload itself was never confirmed.
func (r SubmissionRecord) NeedsInitial(completedAt time.Time) bool {
	if r.UploadedInitialAt == nil {
		return true
	}
	if !completedAt.IsZero() && r.UploadedInitialAt.Equal(completedAt) {
		return true
	}
	return false
}

// CanSubmit reports whether enough time has passed since the last
// completed submission. A record with no completion is always eligible.
func (r SubmissionRecord) CanSubmit(now time.Time, cooldown time.Duration) bool {
	if r.LastCompletedAt == nil {
		return true
	}
	return now.Sub(*r.LastCompletedAt) > cooldown
}

// MarkUploaded stamps a confirmed upload. The initial stamp is set only
// the first time, so it stays monotonically non-decreasing.
func (r *SubmissionRecord) MarkUploaded(completedAt time.Time) {
	t := completedAt
	r.LastCompletedAt = &t
	if r.UploadedInitialAt == nil {
		r.UploadedInitialAt = &t
	}
}

// DailyAnswers holds one day's questionnaire responses.
type DailyAnswers struct {
	Symptoms string `json:"symptoms"`
	Covid    string `json:"covid"`
	Hospital string `json:"hospital"`
}

// InitialAnswers holds the one-time demographics questionnaire.
type InitialAnswers struct {
	Sex            string `json:"user_sex"`
	Age            string `json:"user_age"`
	MedicalHistory string `json:"medical_history"`
	Smoking        string `json:"smoking"`
}

func (a InitialAnswers) Empty() bool {
	return a == InitialAnswers{}
}

// Recordings are the local paths of the three audio samples.
type Recordings struct {
	Breathe string `json:"breathe"`
	Cough   string `json:"cough"`
	Read    string `json:"read"`
}

func (r Recordings) Paths() []string {
	return []string{r.Breathe, r.Cough, r.Read}
}

// Audio form part names. The backend keys on these exactly.
const (
	AudioFileExtension = "m4a"
	BreatheFieldName   = "audio_file_breathe"
	CoughFieldName     = "audio_file_cough"
	ReadFieldName      = "audio_file_read"

	DailyJSONName   = "daily.json"
	InitialJSONName = "initial.json"
)

// AudioFormName returns the multipart part name for an audio field, e.g.
// "audio_file_breathe.m4a".
func AudioFormName(field string) string {
	return field + "." + AudioFileExtension
}

// UnixString renders a timestamp the way the backend expects: unix
// seconds as a decimal string, or "-1" when unset.
func UnixString(t time.Time) string {
	if t.IsZero() {
		return "-1"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

// State is the submission progress state. Transitions are owned
// exclusively by the submit.Machine.
type State string

const (
	StateInitial             State = "initial"
	StateCreatingUser        State = "creating_user"
	StateJustRegistered      State = "just_registered"
	StateRegisteredNeedToken State = "registered_need_token"
	StateReadyToUpload       State = "ready_to_upload"
	StateJustUploaded        State = "just_uploaded"
	StateFailedCanRetry      State = "failed_can_retry"
	StateFailed              State = "failed"
)

// Terminal reports whether no further transition can happen without an
// explicit external reset.
func (s State) Terminal() bool {
	return s == StateFailed
}
