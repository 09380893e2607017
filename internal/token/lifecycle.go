package token

import (
	"context"
	"log/slog"
	"time"

	"soundline/internal/api"
	"soundline/internal/domain"
	"soundline/internal/store"
)

// Lifecycle decides between the password grant and the refresh grant
// and persists the resulting pair.
//
// The refresh-failed flag lives on the token row, not in memory: once a
// grant fails, every later attempt, including one in a fresh process,
// falls back to a full exchange, because the stored refresh token may
// have been consumed server-side before the reply was lost.
type Lifecycle struct {
	Client *api.Client
	Store  *store.Store
	Log    *slog.Logger
}

func NewLifecycle(client *api.Client, st *store.Store, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{Client: client, Store: st, Log: log}
}

func (l *Lifecycle) fromResponse(tr api.TokenResponse, completedAt time.Time) (domain.Token, error) {
	secs, err := tr.ExpiresInSeconds()
	if err != nil {
		return domain.Token{}, domain.E(domain.KindReceivedData, err)
	}
	return domain.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    completedAt.Add(time.Duration(secs) * time.Second),
		RefreshedAt:  completedAt,
	}, nil
}

// ObtainOrRefresh returns a persisted token for the cycle completed at
// completedAt. It exchanges credentials when no usable token exists or a
// previous refresh failed, and refreshes otherwise.
func (l *Lifecycle) ObtainOrRefresh(ctx context.Context, cred domain.Credential, completedAt time.Time) (domain.Token, error) {
	if !cred.Complete() {
		return domain.Token{}, domain.Ef(domain.KindCredential, "no stored credential")
	}

	current, err := l.Store.LoadToken()
	if err != nil {
		return domain.Token{}, domain.E(domain.KindStorage, err)
	}
	refreshFailed, err := l.Store.LoadRefreshFailed()
	if err != nil {
		return domain.Token{}, domain.E(domain.KindStorage, err)
	}

	useExchange := current.Status != store.Present || !current.Value.HasAccess() || refreshFailed

	var tr api.TokenResponse
	if useExchange {
		l.Log.Debug("token exchange", "reason", exchangeReason(current.Status == store.Present && current.Value.HasAccess(), refreshFailed))
		tr, err = l.Client.ExchangeToken(ctx, cred)
	} else {
		tr, err = l.Client.RefreshToken(ctx, current.Value.RefreshToken)
	}
	if err != nil {
		// Any failed grant forces the next attempt onto a fresh
		// exchange rather than retrying a possibly spent refresh token.
		l.markRefreshFailed()
		return domain.Token{}, domain.E(domain.KindToken, err)
	}

	tok, err := l.fromResponse(tr, completedAt)
	if err != nil {
		// A 200 with an unreadable body counts as a failed grant too;
		// the pair it may have rotated was never persisted here.
		l.markRefreshFailed()
		return domain.Token{}, err
	}
	// SaveToken clears the refresh-failed flag along with the pair.
	if err := l.Store.SaveToken(tok); err != nil {
		return domain.Token{}, domain.E(domain.KindStorage, err)
	}
	l.Log.Info("token obtained", "grant", grantName(useExchange), "expires_at", tok.ExpiresAt)
	return tok, nil
}

// markRefreshFailed persists the fallback flag. The grant already
// failed, so a flag write error is only logged; without a token row the
// update is a no-op and the next grant exchanges anyway.
func (l *Lifecycle) markRefreshFailed() {
	if err := l.Store.SetRefreshFailed(true); err != nil {
		l.Log.Warn("refresh flag persist failed", "err", err)
	}
}

func grantName(exchange bool) string {
	if exchange {
		return "password"
	}
	return "refresh_token"
}

func exchangeReason(hadToken, refreshFailed bool) string {
	switch {
	case refreshFailed:
		return "previous refresh failed"
	case !hadToken:
		return "no stored token"
	}
	return "forced"
}
