package types

import (
	"slices"
	"time"
)

// Session is an authenticated or anonymous access window bound to a user,
// the user's groups, and the originating host.
type Session struct {
	Token      string        `json:"token"`
	Username   string        `json:"username"`
	Groups     []int         `json:"groups"`
	Host       string        `json:"host"`
	LastAccess time.Time     `json:"last_access"`
	MaxIdle    time.Duration `json:"max_idle"`
}

// AnonymousSession returns an unauthenticated session with no token.
func AnonymousSession() *Session {
	return &Session{Groups: []int{GroupAnonymous}}
}

// Authenticated reports whether the session belongs to a user.
func (s *Session) Authenticated() bool {
	return s.Username != ""
}

// InGroup reports whether the session carries group g, counting the
// virtual anonymous and authenticated groups.
func (s *Session) InGroup(g int) bool {
	switch g {
	case GroupAnonymous:
		return true
	case GroupAuthenticated:
		return s.Authenticated()
	}
	return slices.Contains(s.Groups, g)
}

// IsAdmin reports full administrator membership.
func (s *Session) IsAdmin() bool { return slices.Contains(s.Groups, GroupAdmin) }

// IsReadAdmin reports read-only administrator membership.
func (s *Session) IsReadAdmin() bool { return slices.Contains(s.Groups, GroupReadAdmin) }

// CanCreate reports whether the session may create records and schemas.
func (s *Session) CanCreate() bool {
	return s.IsAdmin() || slices.Contains(s.Groups, GroupCreate)
}

// Principals returns the effective principal set: the user name, every
// group, the anonymous group, and the authenticated group when logged in.
func (s *Session) Principals() map[Principal]struct{} {
	out := make(map[Principal]struct{}, len(s.Groups)+3)
	for _, g := range s.Groups {
		out[GroupPrincipal(g)] = struct{}{}
	}
	out[GroupPrincipal(GroupAnonymous)] = struct{}{}
	if s.Authenticated() {
		out[Principal(s.Username)] = struct{}{}
		out[GroupPrincipal(GroupAuthenticated)] = struct{}{}
	}
	return out
}

// PrincipalList returns Principals as a sorted slice.
func (s *Session) PrincipalList() []Principal {
	set := s.Principals()
	out := make([]Principal, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Expired reports whether the session has been idle past MaxIdle.
func (s *Session) Expired(now time.Time) bool {
	return s.MaxIdle > 0 && now.Sub(s.LastAccess) > s.MaxIdle
}
