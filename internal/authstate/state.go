// Package authstate describes the authentication state shared with every consumer of the tree.
package authstate

import (
	"fmt"

	"github.com/nkiryanov/authctx/internal/models"
)

// State is one of NotInitialized, NotAuthenticated, Authenticated or Failed.
// Values are immutable: a transition always replaces the whole value.
type State interface {
	// AccessToken returns the token only if the state is Authenticated
	AccessToken() (string, bool)

	fmt.Stringer
	isState()
}

// No provider has produced a value yet
type NotInitialized struct{}

// No valid session, Reason tells why
type NotAuthenticated struct {
	Reason Reason
}

// Valid session
type Authenticated struct {
	Token string

	// Optional fields: nil means the provider does not know the value
	RefreshToken *string
	Expires      *uint64 // absolute expiry instant, unix seconds
}

// Unrecoverable provider-side error
type Failed struct {
	Message string
}

func (NotInitialized) isState()   {}
func (NotAuthenticated) isState() {}
func (Authenticated) isState()    {}
func (Failed) isState()           {}

func (NotInitialized) AccessToken() (string, bool)   { return "", false }
func (NotAuthenticated) AccessToken() (string, bool) { return "", false }
func (Failed) AccessToken() (string, bool)           { return "", false }

func (a Authenticated) AccessToken() (string, bool) {
	return a.Token, true
}

func (NotInitialized) String() string { return "NotInitialized" }

func (n NotAuthenticated) String() string {
	return fmt.Sprintf("NotAuthenticated(%s)", n.Reason)
}

// String never prints the tokens themselves
func (a Authenticated) String() string {
	expires := "unknown"
	if a.Expires != nil {
		expires = fmt.Sprintf("%d", *a.Expires)
	}
	return fmt.Sprintf("Authenticated(refresh=%t, expires=%s)", a.RefreshToken != nil, expires)
}

func (f Failed) String() string {
	return fmt.Sprintf("Failed(%s)", f.Message)
}

// AccessToken is a nil-safe accessor: nil State has no token
func AccessToken(s State) (string, bool) {
	if s == nil {
		return "", false
	}
	return s.AccessToken()
}

func NewAuthenticated(access string, refresh *string, expires *uint64) Authenticated {
	return Authenticated{Token: access, RefreshToken: refresh, Expires: expires}
}

// FromTokenPair maps issued tokens onto Authenticated.
// Expires is the access token expiry; an empty refresh value means no refresh token.
func FromTokenPair(pair models.TokenPair) Authenticated {
	var refresh *string
	if pair.Refresh.Value != "" {
		refresh = &pair.Refresh.Value
	}

	var expires *uint64
	if !pair.Access.ExpiresAt.IsZero() {
		ts := uint64(pair.Access.ExpiresAt.Unix())
		expires = &ts
	}

	return NewAuthenticated(pair.Access.Value, refresh, expires)
}

// Equal compares states structurally, optional fields by value
func Equal(a, b State) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case NotInitialized:
		_, ok := b.(NotInitialized)
		return ok
	case NotAuthenticated:
		other, ok := b.(NotAuthenticated)
		return ok && a.Reason == other.Reason
	case Failed:
		other, ok := b.(Failed)
		return ok && a.Message == other.Message
	case Authenticated:
		other, ok := b.(Authenticated)
		return ok &&
			a.Token == other.Token &&
			equalPtr(a.RefreshToken, other.RefreshToken) &&
			equalPtr(a.Expires, other.Expires)
	default:
		return false
	}
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
