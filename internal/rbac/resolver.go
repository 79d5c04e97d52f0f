package rbac

import (
	"sort"
	"time"
)

// Snapshot is a consistent read of everything resolution needs for one
// user: identity, role memberships, the union of role-granted keys, and
// the user's overrides. Stores produce it once per request; the resolver
// never touches storage itself.
type Snapshot struct {
	User            User
	Roles           []Role
	RolePermissions []string
	Overrides       []Override
	Now             time.Time
}

// EffectiveSet is the resolved capability set for one user at one instant.
type EffectiveSet struct {
	admin bool
	keys  map[string]struct{}
}

// Resolve combines role grants and active overrides into the effective
// permission set. The algorithm fails closed: a missing or disabled user
// resolves to the empty set.
//
// A role flagged is_system allows everything unconditionally, with no
// override lookup. The bypass is driven by the flag alone; role names
// are labels and must never be compared.
//
// For everyone else:
//
//	effective = (∪ role permissions ∪ granted active overrides) − revoked active overrides
//
// Revocation wins over every simultaneous grant for the same key,
// independent of the order overrides were written: an administrator
// narrowing a broad role must always be able to.
func Resolve(snap Snapshot) EffectiveSet {
	if snap.User.ID == "" || snap.User.Status != UserStatusActive {
		return EffectiveSet{}
	}
	for _, role := range snap.Roles {
		if role.IsSystem {
			return EffectiveSet{admin: true}
		}
	}

	now := snap.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	keys := make(map[string]struct{}, len(snap.RolePermissions))
	for _, key := range snap.RolePermissions {
		keys[key] = struct{}{}
	}
	for _, ov := range snap.Overrides {
		if ov.IsGranted && ov.ActiveAt(now) {
			keys[ov.Key] = struct{}{}
		}
	}
	for _, ov := range snap.Overrides {
		if !ov.IsGranted && ov.ActiveAt(now) {
			delete(keys, ov.Key)
		}
	}
	return EffectiveSet{keys: keys}
}

// Has reports whether the set contains the exact key. A detailed key such
// as dashboard.view_financial_stats is a distinct entry in the same
// space; it is never implied by the coarser dashboard.view.
func (e EffectiveSet) Has(key string) bool {
	if e.admin {
		return true
	}
	_, ok := e.keys[key]
	return ok
}

// HasAny reports whether the set contains at least one of the keys.
func (e EffectiveSet) HasAny(keys ...string) bool {
	for _, key := range keys {
		if e.Has(key) {
			return true
		}
	}
	return false
}

// Admin reports whether the set came from a system-role bypass.
func (e EffectiveSet) Admin() bool { return e.admin }

// Keys returns the enumerated set in sorted order. Empty for admins,
// whose set is the whole vocabulary by definition.
func (e EffectiveSet) Keys() []string {
	out := make([]string, 0, len(e.keys))
	for k := range e.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
