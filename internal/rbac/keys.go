package rbac

import (
	"fmt"
	"strings"
)

// Resources form a closed vocabulary. Permission checks against anything
// outside it are rejected at the boundary, never silently ignored.
const (
	ResourceCustomers   = "customers"
	ResourceVehicles    = "vehicles"
	ResourceWorkOrders  = "work_orders"
	ResourceInvoices    = "invoices"
	ResourceInventory   = "inventory"
	ResourceExpenses    = "expenses"
	ResourceSalaries    = "salaries"
	ResourceTechnicians = "technicians"
	ResourceReports     = "reports"
	ResourceUsers       = "users"
	ResourceRoles       = "roles"
	ResourceSettings    = "settings"
	ResourceAuditLogs   = "audit_logs"
	ResourceDashboard   = "dashboard"
)

const (
	ActionView    = "view"
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionExport  = "export"
	ActionPrint   = "print"
	ActionApprove = "approve"
)

// crudActions is the baseline action set shared by record-keeping
// resources. Detailed sub-actions are listed per resource below; a
// detailed key is never implied by a coarser one.
var crudActions = []string{ActionView, ActionCreate, ActionUpdate, ActionDelete}

var resourceActions = map[string][]string{
	ResourceCustomers:   append(crudActions, ActionExport),
	ResourceVehicles:    append(crudActions, ActionExport),
	ResourceWorkOrders:  append(crudActions, ActionPrint, ActionApprove),
	ResourceInvoices:    append(crudActions, ActionExport, ActionPrint, ActionApprove),
	ResourceInventory:   append(crudActions, ActionExport),
	ResourceExpenses:    append(crudActions, ActionApprove),
	ResourceSalaries:    append(crudActions, ActionApprove),
	ResourceTechnicians: crudActions,
	ResourceReports:     {ActionView, ActionExport, "view_profit"},
	ResourceUsers:       crudActions,
	ResourceRoles:       crudActions,
	ResourceSettings:    {ActionView, ActionUpdate},
	ResourceAuditLogs:   {ActionView, ActionExport},
	ResourceDashboard:   {ActionView, "view_financial_stats"},
}

// ParseKey splits "<resource>.<action>" and validates both halves against
// the closed vocabulary.
func ParseKey(key string) (resource, action string, err error) {
	key = strings.TrimSpace(key)
	idx := strings.Index(key, ".")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("%w: malformed permission key %q", ErrInvalidInput, key)
	}
	resource, action = key[:idx], key[idx+1:]
	actions, ok := resourceActions[resource]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown resource %q", ErrInvalidInput, resource)
	}
	for _, a := range actions {
		if a == action {
			return resource, action, nil
		}
	}
	return "", "", fmt.Errorf("%w: unknown action %q for resource %q", ErrInvalidInput, action, resource)
}

// ValidKey reports whether key names a capability in the closed vocabulary.
func ValidKey(key string) bool {
	_, _, err := ParseKey(key)
	return err == nil
}

// Key composes a permission key from its halves.
func Key(resource, action string) string {
	return resource + "." + action
}
