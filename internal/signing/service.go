// Package signing issues and validates the one-off tokens embedded in
// review links sent to reviewers by email. A token is bound to one document
// and one signer email, expires after a configured window, and is consumed
// when the review decision is recorded.
package signing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"paperflow/api/internal/store"
)

// Token is the persisted signing token record.
type Token = store.SigningToken

var (
	ErrTokenNotFound = errors.New("signing token not found")
	ErrTokenExpired  = errors.New("signing token expired")
	ErrTokenUsed     = errors.New("signing token already used")
	// ErrTokenMismatch is returned when a token exists but was issued for a
	// different document.
	ErrTokenMismatch = errors.New("signing token issued for another document")
)

type tokenStore interface {
	GetValidSigningToken(ctx context.Context, documentID, signerEmail string, now time.Time) (Token, error)
	InsertSigningToken(ctx context.Context, token Token) (Token, error)
	GetSigningToken(ctx context.Context, token string) (Token, error)
	MarkSigningTokenUsed(ctx context.Context, token string, at time.Time) error
	IncrementSigningTokenAccess(ctx context.Context, token string) error
	DeleteStaleSigningTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

type Service struct {
	store tokenStore
	ttl   time.Duration
	now   func() time.Time
}

func NewService(st tokenStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{store: st, ttl: ttl, now: time.Now}
}

// Issue returns a valid token for the document and signer, reusing an
// unexpired, unused one when the reviewer is re-notified so that older
// emails keep working.
func (s *Service) Issue(ctx context.Context, documentID, signerEmail string) (Token, error) {
	now := s.now().UTC()

	existing, err := s.store.GetValidSigningToken(ctx, documentID, signerEmail, now)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Token{}, fmt.Errorf("look up signing token: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("generate signing token: %w", err)
	}

	token := Token{
		Token:       hex.EncodeToString(raw),
		DocumentID:  documentID,
		SignerEmail: signerEmail,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}
	created, err := s.store.InsertSigningToken(ctx, token)
	if err != nil {
		return Token{}, err
	}
	return created, nil
}

// Validate fetches a token presented on a review link, checks it against
// the document it should open, and bumps its access counter. It does not
// consume the token.
func (s *Service) Validate(ctx context.Context, tokenValue, documentID string) (Token, error) {
	token, err := s.store.GetSigningToken(ctx, tokenValue)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("get signing token: %w", err)
	}

	if token.DocumentID != documentID {
		return Token{}, ErrTokenMismatch
	}
	if token.Used {
		return Token{}, ErrTokenUsed
	}
	if s.now().UTC().After(token.ExpiresAt) {
		return Token{}, ErrTokenExpired
	}

	if err := s.store.IncrementSigningTokenAccess(ctx, tokenValue); err != nil {
		return Token{}, fmt.Errorf("record token access: %w", err)
	}
	token.AccessCount++
	return token, nil
}

// Consume marks a token used once its review decision has been recorded.
func (s *Service) Consume(ctx context.Context, tokenValue string) error {
	if err := s.store.MarkSigningTokenUsed(ctx, tokenValue, s.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("consume signing token: %w", err)
	}
	return nil
}

// PurgeStale deletes used tokens that expired more than the retention
// window ago, returning how many were removed.
func (s *Service) PurgeStale(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.DeleteStaleSigningTokens(ctx, s.now().UTC().Add(-retention))
}
