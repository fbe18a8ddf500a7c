package issuer

import (
	"sync"
	"time"

	"github.com/nkiryanov/authctx/internal/apperrors"
	"github.com/nkiryanov/authctx/internal/models"
)

// In-memory refresh tokens. Lost on restart: sessions have to log in again.
type refreshStore struct {
	mu     sync.Mutex
	tokens map[string]models.RefreshToken
	now    func() time.Time
}

func newRefreshStore(now func() time.Time) *refreshStore {
	return &refreshStore{
		tokens: make(map[string]models.RefreshToken),
		now:    now,
	}
}

func (s *refreshStore) Save(token models.RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Token] = token
}

// Return the token and mark it used
// If the token is already used must not overwrite the existing 'UsedAt' and return apperrors.ErrRefreshTokenIsUsed
func (s *refreshStore) GetAndMarkUsed(tokenString string) (models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenString]
	switch {
	case !ok:
		return token, apperrors.ErrRefreshTokenNotFound
	case token.UsedAt != nil:
		return token, apperrors.ErrRefreshTokenIsUsed
	}

	now := s.now()
	token.UsedAt = &now
	s.tokens[tokenString] = token

	return token, nil
}

// Remove the token. Unknown tokens are ignored.
func (s *refreshStore) Delete(tokenString string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenString)
}

// Drop tokens that expired before 'before'
func (s *refreshStore) DeleteExpired(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, token := range s.tokens {
		if token.ExpiresAt.Before(before) {
			delete(s.tokens, key)
			deleted++
		}
	}
	return deleted
}
