package database

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// touchInterval is how stale the stored access time of a session may get
// before resolving it writes the new time back.
const touchInterval = time.Minute

// cachedSession is a live session and the access time of its durable copy.
type cachedSession struct {
	s      types.Session
	stored time.Time
}

// Login opens a session for host. An empty name opens an anonymous
// session without checking credentials. Unknown users, wrong passwords and
// disabled accounts all fail with ErrPermissionDenied.
func (d *DB) Login(name, password, host string) (*types.Session, error) {
	s := &types.Session{
		Token:      uuid.NewString(),
		Host:       host,
		LastAccess: d.timestamp(),
		MaxIdle:    d.cfg.SessionTimeout,
		Groups:     []int{},
	}
	if name != "" {
		u, ok, err := d.users.Get(name)
		if err != nil {
			return nil, err
		}
		if !ok || u.Disabled || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
			d.log.Warn().Str("user", name).Str("host", host).Msg("login failed")
			return nil, &types.PermissionError{Op: "login", Target: name}
		}
		s.Username = u.Name
		s.Groups = append(s.Groups, u.Groups...)
	}

	if err := d.update(func(t *DB) error { return t.sessions.Put(s.Token, s) }); err != nil {
		return nil, err
	}
	d.sessMu.Lock()
	d.sessCache[s.Token] = &cachedSession{s: *s, stored: s.LastAccess}
	d.sessMu.Unlock()

	d.log.Info().Str("user", s.Username).Str("host", host).Msg("login")
	c := *s
	c.Groups = slices.Clone(s.Groups)
	return &c, nil
}

// Logout ends a session.
func (d *DB) Logout(token, host string) error {
	if _, err := d.resolve(token, host); err != nil {
		return err
	}
	d.forget(token)
	return d.update(func(t *DB) error { return t.sessions.Delete(token) })
}

// Session resolves a token presented from host and refreshes its last
// access time. Unknown tokens, idle sessions and host mismatches fail with
// ErrSessionExpired.
func (d *DB) Session(token, host string) (*types.Session, error) {
	return d.resolve(token, host)
}

// authorize re-resolves the session a caller presents. Only its token and
// host are taken from s; user and groups come from the session store. A
// nil session or one without a token is anonymous.
func (d *DB) authorize(s *types.Session) (*types.Session, error) {
	if s == nil || s.Token == "" {
		return types.AnonymousSession(), nil
	}
	return d.resolve(s.Token, s.Host)
}

func (d *DB) resolve(token, host string) (*types.Session, error) {
	d.sweep.Do(func() {
		if _, err := d.PurgeSessions(); err != nil {
			d.log.Error().Err(err).Msg("session sweep failed")
		}
	})

	d.sessMu.Lock()
	epoch := d.sessEpoch
	c, cached := d.sessCache[token]
	var entry cachedSession
	if cached {
		entry = *c
	}
	d.sessMu.Unlock()
	if !cached {
		stored, found, err := d.sessions.Get(token)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, types.ErrSessionExpired
		}
		entry = cachedSession{s: stored, stored: stored.LastAccess}
	}

	now := d.timestamp()
	if entry.s.Host != host {
		d.log.Warn().Str("user", entry.s.Username).Str("host", host).Msg("session host mismatch")
		return nil, types.ErrSessionExpired
	}
	if entry.s.Expired(now) {
		d.dropSession(token)
		return nil, types.ErrSessionExpired
	}

	entry.s.LastAccess = now
	if now.Sub(entry.stored) >= touchInterval {
		cur := entry.s
		err := d.update(func(t *DB) error {
			// A session revoked since it was read stays revoked.
			ok, err := t.sessions.Contains(token)
			if err != nil {
				return err
			}
			if !ok {
				return types.ErrSessionExpired
			}
			return t.sessions.Put(token, &cur)
		})
		if err != nil {
			return nil, err
		}
		entry.stored = now
	}

	d.sessMu.Lock()
	if _, live := d.sessCache[token]; live || d.sessEpoch == epoch {
		e := entry
		d.sessCache[token] = &e
	}
	d.sessMu.Unlock()

	out := entry.s
	out.Groups = slices.Clone(entry.s.Groups)
	return &out, nil
}

// forget evicts tokens from the session cache. A resolve that read a
// token before the eviction does not put it back.
func (d *DB) forget(tokens ...string) {
	d.sessMu.Lock()
	for _, token := range tokens {
		delete(d.sessCache, token)
	}
	d.sessEpoch++
	d.sessMu.Unlock()
}

func (d *DB) dropSession(token string) {
	d.forget(token)
	if err := d.update(func(t *DB) error { return t.sessions.Delete(token) }); err != nil {
		d.log.Error().Err(err).Msg("dropping session")
	}
}

// PurgeSessions removes every idle session and returns how many were
// removed.
func (d *DB) PurgeSessions() (int, error) {
	now := d.timestamp()
	var expired []string
	err := d.sessions.Range(func(token string, s types.Session) bool {
		if s.Expired(now) {
			expired = append(expired, token)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	d.sessMu.Lock()
	for token, c := range d.sessCache {
		if c.s.Expired(now) {
			delete(d.sessCache, token)
		}
	}
	d.sessMu.Unlock()
	d.forget(expired...)

	if len(expired) == 0 {
		return 0, nil
	}
	err = d.update(func(t *DB) error {
		for _, token := range expired {
			if err := t.sessions.Delete(token); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.log.Debug().Int("count", len(expired)).Msg("sessions purged")
	return len(expired), nil
}

// dropUserSessions ends every session of a user. It runs inside the
// caller's update.
func (d *DB) dropUserSessions(name string) error {
	var tokens []string
	err := d.sessions.Range(func(token string, s types.Session) bool {
		if s.Username == name {
			tokens = append(tokens, token)
		}
		return true
	})
	if err != nil {
		return err
	}
	d.sessMu.Lock()
	for token, c := range d.sessCache {
		if c.s.Username == name {
			tokens = append(tokens, token)
		}
	}
	d.sessMu.Unlock()
	d.forget(tokens...)
	for _, token := range tokens {
		if err := d.sessions.Delete(token); err != nil {
			return err
		}
	}
	return nil
}

func requireAdmin(s *types.Session, op string) error {
	if !s.IsAdmin() {
		return &types.PermissionError{Op: op}
	}
	return nil
}

func requireCreate(s *types.Session, op string) error {
	if !s.CanCreate() {
		return &types.PermissionError{Op: op}
	}
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, types.ErrNotFound) }

func notFound(kind string, key any) error {
	return fmt.Errorf("%w: %s %v", types.ErrNotFound, kind, key)
}

func isDenied(err error) bool { return errors.Is(err, types.ErrPermissionDenied) }

func isValidation(err error) bool { return errors.Is(err, types.ErrValidation) }
