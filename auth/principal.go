package auth

import (
	"fmt"

	"github.com/jmcleod/coditime/session"
	"github.com/jmcleod/coditime/storage"
)

// Principal is the authenticated identity of a request. It is either a
// *SessionPrincipal or a *TokenPrincipal; consumers switch on the concrete
// type when the method matters.
type Principal interface {
	UserID() int64
	AsUser() storage.User
	principal()
}

// SessionPrincipal is a user authenticated through a login session.
type SessionPrincipal struct {
	User    storage.User
	Session session.Record
}

// TokenPrincipal is a user authenticated through an API token.
type TokenPrincipal struct {
	User  storage.User
	Token storage.APIToken
}

func (p *SessionPrincipal) UserID() int64        { return p.User.ID }
func (p *SessionPrincipal) AsUser() storage.User { return p.User }
func (*SessionPrincipal) principal()             {}

func (p *TokenPrincipal) UserID() int64        { return p.User.ID }
func (p *TokenPrincipal) AsUser() storage.User { return p.User }
func (*TokenPrincipal) principal()             {}

// HasPermission reports whether the token grants perm.
func (p *TokenPrincipal) HasPermission(perm storage.Permission) bool {
	for _, granted := range p.Token.Permissions {
		if granted == perm {
			return true
		}
	}
	return false
}

// Authorize checks that p may perform an action gated by perm. Sessions
// carry every permission of their user.
func Authorize(p Principal, perm storage.Permission) error {
	switch p := p.(type) {
	case *SessionPrincipal:
		return nil
	case *TokenPrincipal:
		if p.HasPermission(perm) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrMissingPermission, perm)
	default:
		return ErrNoAuthenticationProvided
	}
}
