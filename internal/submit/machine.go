package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"soundline/internal/api"
	"soundline/internal/domain"
	"soundline/internal/events"
	"soundline/internal/location"
	"soundline/internal/store"
	"soundline/internal/token"
	"soundline/internal/upload"
)

// DefaultAttemptsCutoff bounds how many recoverable failures may be
// retried before the cycle is abandoned.
const DefaultAttemptsCutoff = 3

var (
	ErrTerminal     = errors.New("submission failed permanently, reset required")
	ErrRetryOnly    = errors.New("a failed submission is pending, retry it first")
	ErrNotRetryable = errors.New("nothing to retry")
	ErrInProgress   = errors.New("a submission cycle is already running")
)

// Request is one submission: the day's answers, the one-time
// demographics (may be empty after first upload), and the recordings.
type Request struct {
	Daily      domain.DailyAnswers
	Initial    domain.InitialAnswers
	Recordings domain.Recordings
}

// Machine owns the submission state and runs cycles sequentially.
// It is not safe for concurrent use.
type Machine struct {
	Store    *store.Store
	Client   *api.Client
	Tokens   *token.Lifecycle
	Location *location.Acquirer
	Uploader *upload.Coordinator
	Events   *events.Writer
	Log      *slog.Logger

	Email          string
	AttemptsCutoff int
	Now            func() time.Time
	OnChange       func(from, to domain.State)

	state       domain.State
	attempts    int
	canUpload   bool
	cycleID     string
	completedAt time.Time
	lastErr     error
}

type Deps struct {
	Store    *store.Store
	Client   *api.Client
	Tokens   *token.Lifecycle
	Location *location.Acquirer
	Uploader *upload.Coordinator
	Events   *events.Writer
	Log      *slog.Logger
	Email    string
}

func NewMachine(d Deps) *Machine {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		Store:          d.Store,
		Client:         d.Client,
		Tokens:         d.Tokens,
		Location:       d.Location,
		Uploader:       d.Uploader,
		Events:         d.Events,
		Log:            log,
		Email:          d.Email,
		AttemptsCutoff: DefaultAttemptsCutoff,
		Now:            time.Now,
		state:          domain.StateInitial,
	}
}

func (m *Machine) State() domain.State { return m.state }
func (m *Machine) Attempts() int       { return m.attempts }
func (m *Machine) LastError() error    { return m.lastErr }

// Reset clears in-memory progress back to the initial state. Persisted
// identity and tokens are untouched.
func (m *Machine) Reset() {
	m.setState(domain.StateInitial)
	m.attempts = 0
	m.canUpload = false
	m.lastErr = nil
	m.cycleID = ""
}

func (m *Machine) setState(next domain.State) {
	prev := m.state
	m.state = next
	if prev == next {
		return
	}
	m.Log.Info("state changed", "from", prev, "to", next, "cycle", m.cycleID)
	if m.Events != nil {
		// Audit only; a write failure must not disturb the cycle.
		if err := m.Events.Append("submission.state.changed", "cycle", m.cycleID, map[string]any{
			"from": string(prev), "to": string(next), "attempts": m.attempts,
		}); err != nil {
			m.Log.Warn("event append failed", "err", err)
		}
	}
	if m.OnChange != nil {
		m.OnChange(prev, next)
	}
}

// Restore recovers a retryable cycle left behind by an earlier process.
// A buffered submission means the last cycle did not complete, so the
// machine re-enters the retryable state with its persisted counter.
func (m *Machine) Restore() error {
	if m.state != domain.StateInitial {
		return nil
	}
	pending, err := m.Store.LoadPending()
	if err != nil {
		return err
	}
	if pending.Status != store.Present {
		return nil
	}
	m.attempts = pending.Value.Attempts
	m.setState(domain.StateFailedCanRetry)
	return nil
}

// Submit starts a fresh cycle. It is only legal when no failed cycle is
// pending; a failed-but-retryable cycle must go through Retry, and a
// permanently failed machine must be Reset first.
func (m *Machine) Submit(ctx context.Context, req Request) error {
	switch m.state {
	case domain.StateFailed:
		return ErrTerminal
	case domain.StateFailedCanRetry:
		return ErrRetryOnly
	case domain.StateInitial, domain.StateJustUploaded:
	default:
		return ErrInProgress
	}
	if m.canUpload {
		return ErrInProgress
	}

	// Fresh cycle: the attempt counter starts over.
	m.attempts = 0
	m.lastErr = nil
	m.state = domain.StateInitial
	m.cycleID = uuid.NewString()
	m.completedAt = m.Now()

	// Buffer the submission before anything can fail over the network,
	// so a later retry has the data even if this cycle dies early.
	pending := store.Pending{
		Daily:      req.Daily,
		Initial:    req.Initial,
		Recordings: req.Recordings,
		CreatedAt:  m.completedAt,
	}
	if err := m.Store.SavePending(pending); err != nil {
		return m.fail(domain.E(domain.KindStorage, err))
	}

	if !m.Client.Reachable(ctx) {
		return m.fail(domain.Ef(domain.KindNetwork, "backend unreachable"))
	}
	m.canUpload = true
	defer func() { m.canUpload = false }()

	return m.runCycle(ctx, pending)
}

// Retry re-runs the buffered submission. Legal only after a recoverable
// failure; the attempt counter carries over.
func (m *Machine) Retry(ctx context.Context) error {
	switch m.state {
	case domain.StateFailed:
		return ErrTerminal
	case domain.StateFailedCanRetry:
	default:
		return ErrNotRetryable
	}
	if m.canUpload {
		return ErrInProgress
	}

	pending, err := m.Store.LoadPending()
	if err != nil {
		return m.fail(domain.E(domain.KindStorage, err))
	}
	if pending.Status != store.Present {
		return m.fail(domain.Ef(domain.KindStorage, "no buffered submission to retry"))
	}

	m.cycleID = uuid.NewString()
	m.completedAt = m.Now()

	if !m.Client.Reachable(ctx) {
		return m.fail(domain.Ef(domain.KindNetwork, "backend unreachable"))
	}
	m.canUpload = true
	defer func() { m.canUpload = false }()

	return m.runCycle(ctx, pending.Value)
}

// runCycle drives one sequential pass: register if needed, obtain a
// token, await location, assemble and upload.
func (m *Machine) runCycle(ctx context.Context, pending store.Pending) error {
	// The cycle owns its own context so that when it exits early the
	// location loop is cancelled with it instead of polling for a
	// retired cycle.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Location runs alongside the network steps; its result is only
	// needed right before the payload is assembled.
	locCh := make(chan string, 1)
	go func() { locCh <- m.Location.Acquire(ctx) }()

	m.setState(domain.StateCreatingUser)

	loaded, err := m.Store.LoadUser()
	if err != nil {
		return m.fail(domain.E(domain.KindStorage, err))
	}
	participant := loaded.Value
	if loaded.Status != store.Present || !participant.Credential.Complete() {
		assigned, err := m.Client.CreateUser(ctx, domain.Credential{
			Username: uuid.NewString(),
			Password: uuid.NewString(),
		}, m.Email)
		if err != nil {
			return m.fail(classify(err, domain.KindNetwork))
		}
		participant.Credential = assigned
		if err := m.Store.SaveUser(participant); err != nil {
			return m.fail(domain.E(domain.KindStorage, err))
		}
	}
	m.setState(domain.StateJustRegistered)
	m.setState(domain.StateRegisteredNeedToken)

	tok, err := m.Tokens.ObtainOrRefresh(ctx, participant.Credential, m.completedAt)
	if err != nil {
		return m.fail(classify(err, domain.KindToken))
	}
	m.setState(domain.StateReadyToUpload)

	loc := <-locCh

	payload := upload.Payload{
		ParticipantID:  participant.Credential.Username,
		Daily:          pending.Daily,
		Initial:        pending.Initial,
		IncludeInitial: participant.Record.NeedsInitial(m.completedAt),
		Recordings:     pending.Recordings,
		Location:       loc,
		CompletedAt:    m.completedAt,
	}
	if _, err := m.Uploader.Upload(ctx, tok.AccessToken, payload); err != nil {
		return m.fail(err)
	}

	participant.Record.MarkUploaded(m.completedAt)
	if err := m.Store.SaveUser(participant); err != nil {
		return m.fail(domain.E(domain.KindStorage, err))
	}
	m.setState(domain.StateJustUploaded)
	m.finish(pending)
	return nil
}

// finish cleans up after a confirmed upload. Failures here are logged
// only; the submission itself already succeeded.
func (m *Machine) finish(pending store.Pending) {
	for _, path := range pending.Recordings.Paths() {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.Log.Warn("recording cleanup failed", "path", path, "err", err)
		}
	}
	if err := m.Store.ClearPending(); err != nil {
		m.Log.Warn("pending cleanup failed", "err", err)
	}
	if m.Events != nil {
		if err := m.Events.Append("upload.completed", "cycle", m.cycleID, map[string]any{
			"completed_at": m.completedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			m.Log.Warn("event append failed", "err", err)
		}
	}
	m.attempts = 0
}

// fail applies the retry policy. Storage failures and other
// unrecoverable kinds go straight to failed; recoverable ones consume
// an attempt until the cutoff is hit.
func (m *Machine) fail(err error) error {
	m.lastErr = err
	kind := domain.KindOf(err)
	cutoff := m.AttemptsCutoff
	if cutoff <= 0 {
		cutoff = DefaultAttemptsCutoff
	}

	if !kind.Recoverable() {
		m.setState(domain.StateFailed)
	} else if m.attempts < cutoff {
		m.attempts++
		m.setState(domain.StateFailedCanRetry)
		if err := m.Store.UpdatePendingAttempts(m.attempts); err != nil {
			m.Log.Warn("attempt counter persist failed", "err", err)
		}
	} else {
		m.setState(domain.StateFailed)
	}

	m.Log.Error("submission failed", "kind", kind, "attempts", m.attempts, "state", m.state, "err", err)
	if m.Events != nil {
		if evErr := m.Events.Append("submission.failed", "cycle", m.cycleID, map[string]any{
			"kind": string(kind), "attempts": m.attempts, "message": kind.Message(),
		}); evErr != nil {
			m.Log.Warn("event append failed", "err", evErr)
		}
	}
	return fmt.Errorf("%s: %w", kind.Message(), err)
}

// classify keeps an already-classified error and tags everything else
// with the kind of the step that produced it.
func classify(err error, kind domain.Kind) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.E(kind, err)
}
