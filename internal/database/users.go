package database

import (
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/mesh-intelligence/emen/pkg/types"
)

func hashPassword(pw string) (string, error) {
	if err := types.ValidatePassword(pw); err != nil {
		return "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

// Setup creates the root administrator when no user exists yet. It
// reports whether the account was created.
func (d *DB) Setup(rootPassword string) (bool, error) {
	n, err := d.users.Len()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	hash, err := hashPassword(rootPassword)
	if err != nil {
		return false, err
	}
	root := types.User{
		Name:         RootUser,
		Password:     hash,
		Groups:       []int{types.GroupAdmin, types.GroupCreate},
		CreationTime: d.timestamp(),
	}
	if err := d.update(func(t *DB) error { return t.users.Put(root.Name, &root) }); err != nil {
		return false, err
	}
	d.log.Info().Msg("root user created")
	return true, nil
}

// UserCount returns the number of approved accounts.
func (d *DB) UserCount() (int, error) {
	return d.users.Len()
}

// NewUser queues an account request for admin approval. Anyone may ask.
func (d *DB) NewUser(name, password, email string, profile map[string]string) error {
	if err := types.ValidateUserName(name); err != nil {
		return err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	req := types.NewUserRequest{
		Name:         name,
		Password:     hash,
		Email:        email,
		Profile:      profile,
		CreationTime: d.timestamp(),
	}
	return d.update(func(t *DB) error {
		if err := t.checkUserNameFree(name); err != nil {
			return err
		}
		return t.newUsers.Put(name, &req)
	})
}

func (d *DB) checkUserNameFree(name string) error {
	for _, exists := range []func(string) (bool, error){d.users.Contains, d.newUsers.Contains} {
		ok, err := exists(name)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: user %q already exists", types.ErrValidation, name)
		}
	}
	return nil
}

// QueuedUsers returns the names of pending account requests.
func (d *DB) QueuedUsers(s *types.Session) ([]string, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(s, "list queued users"); err != nil {
		return nil, err
	}
	return d.newUsers.Keys()
}

// ApproveUser turns a queued request into an account with the given
// groups.
func (d *DB) ApproveUser(name string, groups []int, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireAdmin(s, "approve user"); err != nil {
		return err
	}
	err = d.update(func(t *DB) error {
		req, ok, err := t.newUsers.Get(name)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("queued user", name)
		}
		u := types.User{
			Name:         req.Name,
			Password:     req.Password,
			Groups:       normalizeGroups(groups),
			Email:        req.Email,
			Profile:      req.Profile,
			CreationTime: t.timestamp(),
		}
		if err := t.users.Put(name, &u); err != nil {
			return err
		}
		return t.newUsers.Delete(name)
	})
	if err != nil {
		return err
	}
	d.log.Info().Str("user", name).Str("by", s.Username).Msg("user approved")
	return nil
}

// RejectUser drops a queued request.
func (d *DB) RejectUser(name string, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireAdmin(s, "reject user"); err != nil {
		return err
	}
	return d.update(func(t *DB) error {
		ok, err := t.newUsers.Contains(name)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("queued user", name)
		}
		return t.newUsers.Delete(name)
	})
}

// DisableUser disables an account and ends its sessions.
func (d *DB) DisableUser(name string, s *types.Session) error {
	return d.setDisabled(name, true, s)
}

// EnableUser re-enables a disabled account.
func (d *DB) EnableUser(name string, s *types.Session) error {
	return d.setDisabled(name, false, s)
}

func (d *DB) setDisabled(name string, disabled bool, s *types.Session) error {
	op := "enable user"
	if disabled {
		op = "disable user"
	}
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireAdmin(s, op); err != nil {
		return err
	}
	if disabled && name == s.Username {
		return fmt.Errorf("%w: cannot disable your own account", types.ErrValidation)
	}
	err = d.update(func(t *DB) error {
		u, err := t.loadUser(name)
		if err != nil {
			return err
		}
		u.Disabled = disabled
		if err := t.users.Put(name, u); err != nil {
			return err
		}
		if disabled {
			return t.dropUserSessions(name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.log.Info().Str("user", name).Bool("disabled", disabled).Msg("user state changed")
	return nil
}

func (d *DB) loadUser(name string) (*types.User, error) {
	u, ok, err := d.users.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("user", name)
	}
	return &u, nil
}

// GetUser returns an account without its password hash. Users see their
// own email and profile; other authenticated users see only the public
// fields. Anonymous sessions may not look users up.
func (d *DB) GetUser(name string, s *types.Session) (*types.User, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if !s.Authenticated() {
		return nil, &types.PermissionError{Op: "read", Target: "user " + name}
	}
	u, err := d.loadUser(name)
	if err != nil {
		return nil, err
	}
	u.Password = ""
	if s.Username != name && !s.IsAdmin() && !s.IsReadAdmin() {
		u.Email = ""
		u.Profile = nil
		u.Groups = nil
	}
	return u, nil
}

// GetUserNames lists every account name.
func (d *DB) GetUserNames(s *types.Session) ([]string, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if !s.Authenticated() {
		return nil, &types.PermissionError{Op: "read", Target: "users"}
	}
	return d.users.Keys()
}

// SetPassword changes a password. Users must present their old password;
// admins may reset any account.
func (d *DB) SetPassword(name, oldPassword, newPassword string, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if s.Username != name && !s.IsAdmin() {
		return &types.PermissionError{Op: "set password", Target: name}
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	return d.update(func(t *DB) error {
		u, err := t.loadUser(name)
		if err != nil {
			return err
		}
		if !s.IsAdmin() && bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(oldPassword)) != nil {
			return &types.PermissionError{Op: "set password", Target: name}
		}
		u.Password = hash
		return t.users.Put(name, u)
	})
}

// SetGroups replaces a user's group memberships. Existing sessions keep
// the groups they were opened with.
func (d *DB) SetGroups(name string, groups []int, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireAdmin(s, "set groups"); err != nil {
		return err
	}
	for _, g := range groups {
		if g == types.GroupAuthenticated || g == types.GroupAnonymous {
			return fmt.Errorf("%w: group %d is virtual", types.ErrValidation, g)
		}
	}
	return d.update(func(t *DB) error {
		u, err := t.loadUser(name)
		if err != nil {
			return err
		}
		u.Groups = normalizeGroups(groups)
		return t.users.Put(name, u)
	})
}

func normalizeGroups(groups []int) []int {
	out := slices.Clone(groups)
	out = slices.DeleteFunc(out, func(g int) bool {
		return g == types.GroupAuthenticated || g == types.GroupAnonymous
	})
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []int{}
	}
	return out
}
