package types

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Well-known groups.
const (
	GroupAdmin         = -1
	GroupReadAdmin     = -2
	GroupAuthenticated = -3
	GroupAnonymous     = -4
	GroupCreate        = 0
)

// Principal is a user name or a decimal group id.
type Principal string

// GroupPrincipal returns the principal for a group id.
func GroupPrincipal(id int) Principal {
	return Principal(strconv.Itoa(id))
}

// Group returns the group id when p names a group.
func (p Principal) Group() (int, bool) {
	id, err := strconv.Atoi(string(p))
	return id, err == nil
}

// IsGroup reports whether p names a group.
func (p Principal) IsGroup() bool {
	_, ok := p.Group()
	return ok
}

// Permission levels, in increasing order of capability.
const (
	LevelRead    = 0
	LevelComment = 1
	LevelWrite   = 2
)

// Permissions is the 3-way permission descriptor of a record. The three
// sets are disjoint; a principal listed at a higher level implicitly holds
// every lower capability.
type Permissions struct {
	Read    []Principal `json:"read"`
	Comment []Principal `json:"comment"`
	Write   []Principal `json:"write"`
}

func (p *Permissions) level(l int) *[]Principal {
	switch l {
	case LevelRead:
		return &p.Read
	case LevelComment:
		return &p.Comment
	case LevelWrite:
		return &p.Write
	}
	return nil
}

// Grant places principal at level, removing it from the other levels.
func (p *Permissions) Grant(level int, principal Principal) error {
	set := p.level(level)
	if set == nil {
		return fmt.Errorf("%w: permission level %d", ErrValidation, level)
	}
	if principal == "" {
		return fmt.Errorf("%w: empty principal", ErrValidation)
	}
	p.Revoke(principal)
	*set = append(*set, principal)
	slices.Sort(*set)
	return nil
}

// Revoke removes principal from every level.
func (p *Permissions) Revoke(principal Principal) {
	for l := LevelRead; l <= LevelWrite; l++ {
		set := p.level(l)
		*set = slices.DeleteFunc(*set, func(x Principal) bool { return x == principal })
	}
}

// Level returns the level held by principal, or -1.
func (p Permissions) Level(principal Principal) int {
	for l := LevelWrite; l >= LevelRead; l-- {
		if slices.Contains(*p.level(l), principal) {
			return l
		}
	}
	return -1
}

// Union returns every principal listed at any level, sorted.
func (p Permissions) Union() []Principal {
	out := make([]Principal, 0, len(p.Read)+len(p.Comment)+len(p.Write))
	out = append(out, p.Read...)
	out = append(out, p.Comment...)
	out = append(out, p.Write...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone returns a deep copy.
func (p Permissions) Clone() Permissions {
	return Permissions{
		Read:    slices.Clone(p.Read),
		Comment: slices.Clone(p.Comment),
		Write:   slices.Clone(p.Write),
	}
}

// Equal reports whether both descriptors grant the same levels.
func (p Permissions) Equal(o Permissions) bool {
	a, b := p.Normalized(), o.Normalized()
	return slices.Equal(a.Read, b.Read) && slices.Equal(a.Comment, b.Comment) && slices.Equal(a.Write, b.Write)
}

// Normalized returns a sorted, de-duplicated copy.
func (p Permissions) Normalized() Permissions {
	n := p.Clone()
	for l := LevelRead; l <= LevelWrite; l++ {
		set := n.level(l)
		slices.Sort(*set)
		*set = slices.Compact(*set)
	}
	return n
}

// Validate checks that the sets are disjoint and hold no empty principals.
func (p Permissions) Validate() error {
	seen := make(map[Principal]int)
	for l := LevelRead; l <= LevelWrite; l++ {
		for _, pr := range *p.level(l) {
			if strings.TrimSpace(string(pr)) == "" {
				return fmt.Errorf("%w: empty principal", ErrValidation)
			}
			if prev, ok := seen[pr]; ok && prev != l {
				return fmt.Errorf("%w: principal %q listed at two levels", ErrValidation, pr)
			}
			seen[pr] = l
		}
	}
	return nil
}

// Access is the result of evaluating a session against a record.
type Access struct {
	Evaluated bool
	Read      bool
	Comment   bool
	Write     bool
	Owner     bool
}

// FullAccess grants every capability.
var FullAccess = Access{Evaluated: true, Read: true, Comment: true, Write: true, Owner: true}

// Evaluate computes the access a session has on an object with the given
// owner and permission descriptor.
func Evaluate(s *Session, owner string, perms Permissions) Access {
	if s == nil {
		s = AnonymousSession()
	}
	if s.IsAdmin() {
		return FullAccess
	}
	if s.IsReadAdmin() {
		return Access{Evaluated: true, Read: true}
	}
	if owner != "" {
		if s.Username != "" && owner == s.Username {
			return FullAccess
		}
		if g, ok := Principal(owner).Group(); ok && s.InGroup(g) {
			return FullAccess
		}
	}
	principals := s.Principals()
	has := func(sets ...[]Principal) bool {
		for _, set := range sets {
			for _, p := range set {
				if _, ok := principals[p]; ok {
					return true
				}
			}
		}
		return false
	}
	return Access{
		Evaluated: true,
		Read:      has(perms.Read, perms.Comment, perms.Write),
		Comment:   has(perms.Comment, perms.Write),
		Write:     has(perms.Write),
	}
}
