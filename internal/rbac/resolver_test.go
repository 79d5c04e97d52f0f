package rbac

import (
	"reflect"
	"testing"
	"time"
)

var resolveNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activeUser() User {
	return User{ID: "user1", OrganizationID: "org1", Status: UserStatusActive}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestResolveMissingUserIsEmpty(t *testing.T) {
	set := Resolve(Snapshot{Now: resolveNow})
	if set.Has("customers.view") {
		t.Fatal("empty snapshot must resolve to the empty set")
	}
	if set.Admin() {
		t.Fatal("empty snapshot must not be admin")
	}
}

func TestResolveDisabledUserIsEmpty(t *testing.T) {
	snap := Snapshot{
		User:            User{ID: "user1", Status: UserStatusDisabled},
		RolePermissions: []string{"customers.view"},
		Overrides:       []Override{{Key: "invoices.view", IsGranted: true}},
		Now:             resolveNow,
	}
	set := Resolve(snap)
	if set.Has("customers.view") || set.Has("invoices.view") {
		t.Fatal("disabled user must resolve to the empty set")
	}
}

func TestResolveSystemRoleBypassesEverything(t *testing.T) {
	snap := Snapshot{
		User:  activeUser(),
		Roles: []Role{{ID: "r1", Key: "owner", IsSystem: true}},
		// A revocation that must be ignored for system-role holders.
		Overrides: []Override{{Key: "salaries.view", IsGranted: false}},
		Now:       resolveNow,
	}
	set := Resolve(snap)
	if !set.Admin() {
		t.Fatal("system role must set admin")
	}
	for _, key := range []string{"salaries.view", "reports.view_profit", "audit_logs.export"} {
		if !set.Has(key) {
			t.Fatalf("admin must hold %s", key)
		}
	}
}

func TestResolveBypassIsFlagDrivenNotNameDriven(t *testing.T) {
	snap := Snapshot{
		User:  activeUser(),
		Roles: []Role{{ID: "r1", Key: "owner", Name: "Owner", IsSystem: false}},
		Now:   resolveNow,
	}
	if Resolve(snap).Admin() {
		t.Fatal("a role named owner without is_system must not bypass")
	}
}

func TestResolveUnionOfRolesAndGrants(t *testing.T) {
	snap := Snapshot{
		User:            activeUser(),
		RolePermissions: []string{"customers.view", "customers.update"},
		Overrides: []Override{
			{Key: "invoices.view", IsGranted: true},
		},
		Now: resolveNow,
	}
	set := Resolve(snap)
	want := []string{"customers.update", "customers.view", "invoices.view"}
	if got := set.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
}

func TestResolveRevokeWinsRegardlessOfOrder(t *testing.T) {
	grant := Override{Key: "salaries.view", IsGranted: true}
	revoke := Override{Key: "salaries.view", IsGranted: false}

	for name, overrides := range map[string][]Override{
		"grant-then-revoke": {grant, revoke},
		"revoke-then-grant": {revoke, grant},
	} {
		snap := Snapshot{
			User:            activeUser(),
			RolePermissions: []string{"salaries.view"},
			Overrides:       overrides,
			Now:             resolveNow,
		}
		if Resolve(snap).Has("salaries.view") {
			t.Fatalf("%s: revocation must win over grant and role", name)
		}
	}
}

func TestResolveExpiredOverridesAreIgnored(t *testing.T) {
	past := resolveNow.Add(-time.Hour)
	future := resolveNow.Add(time.Hour)

	snap := Snapshot{
		User:            activeUser(),
		RolePermissions: []string{"inventory.view"},
		Overrides: []Override{
			{Key: "expenses.view", IsGranted: true, ExpiresAt: ptrTime(past)},     // expired grant
			{Key: "inventory.view", IsGranted: false, ExpiresAt: ptrTime(past)},   // expired revoke
			{Key: "invoices.view", IsGranted: true, ExpiresAt: ptrTime(future)},   // live grant
			{Key: "reports.view", IsGranted: true, ExpiresAt: nil},                // permanent grant
		},
		Now: resolveNow,
	}
	set := Resolve(snap)
	if set.Has("expenses.view") {
		t.Fatal("expired grant must not contribute")
	}
	if !set.Has("inventory.view") {
		t.Fatal("expired revoke must not suppress the role grant")
	}
	if !set.Has("invoices.view") || !set.Has("reports.view") {
		t.Fatal("live and permanent grants must contribute")
	}
}

func TestResolveDetailedKeyNotImpliedByCoarse(t *testing.T) {
	snap := Snapshot{
		User:            activeUser(),
		RolePermissions: []string{"dashboard.view"},
		Now:             resolveNow,
	}
	set := Resolve(snap)
	if set.Has("dashboard.view_financial_stats") {
		t.Fatal("detailed key must never be implied by the coarse one")
	}
}

func TestOverrideActiveAt(t *testing.T) {
	if !(Override{}).ActiveAt(resolveNow) {
		t.Fatal("nil expiry means permanent")
	}
	if (Override{ExpiresAt: ptrTime(resolveNow)}).ActiveAt(resolveNow) {
		t.Fatal("an override expiring exactly now is inactive")
	}
	if !(Override{ExpiresAt: ptrTime(resolveNow.Add(time.Second))}).ActiveAt(resolveNow) {
		t.Fatal("a future expiry is active")
	}
}

func TestHasAny(t *testing.T) {
	snap := Snapshot{
		User:            activeUser(),
		RolePermissions: []string{"customers.view"},
		Now:             resolveNow,
	}
	set := Resolve(snap)
	if !set.HasAny("salaries.view", "customers.view") {
		t.Fatal("HasAny must match the held key")
	}
	if set.HasAny("salaries.view", "expenses.view") {
		t.Fatal("HasAny must be false when nothing matches")
	}
}
