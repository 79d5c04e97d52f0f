package rbac

import "sort"

// categoryOf groups catalog entries for admin screens.
var categoryOf = map[string]string{
	ResourceCustomers:   "operations",
	ResourceVehicles:    "operations",
	ResourceWorkOrders:  "operations",
	ResourceInvoices:    "billing",
	ResourceInventory:   "inventory",
	ResourceExpenses:    "finance",
	ResourceSalaries:    "finance",
	ResourceTechnicians: "staff",
	ResourceReports:     "reporting",
	ResourceUsers:       "administration",
	ResourceRoles:       "administration",
	ResourceSettings:    "administration",
	ResourceAuditLogs:   "administration",
	ResourceDashboard:   "reporting",
}

var permissionDescriptions = map[string]string{
	Key(ResourceDashboard, "view_financial_stats"): "View revenue and margin widgets on the dashboard",
	Key(ResourceReports, "view_profit"):            "View profit figures in reports",
}

// Catalog returns the full builtin permission set derived from the closed
// vocabulary, in stable order. The seed migration and API listings both
// come from here so the database and the registry can never disagree.
func Catalog() []Permission {
	resources := make([]string, 0, len(resourceActions))
	for r := range resourceActions {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	var perms []Permission
	order := 0
	for _, res := range resources {
		for _, act := range resourceActions[res] {
			order++
			perms = append(perms, Permission{
				Key:          Key(res, act),
				Resource:     res,
				Action:       act,
				Category:     categoryOf[res],
				DisplayOrder: order,
				IsActive:     true,
			})
		}
	}
	return perms
}

// Capability keys the engine itself is gated by.
var (
	PermRolesView     = Key(ResourceRoles, ActionView)
	PermRolesCreate   = Key(ResourceRoles, ActionCreate)
	PermRolesUpdate   = Key(ResourceRoles, ActionUpdate)
	PermRolesDelete   = Key(ResourceRoles, ActionDelete)
	PermUsersView     = Key(ResourceUsers, ActionView)
	PermUsersUpdate   = Key(ResourceUsers, ActionUpdate)
	PermAuditLogsView = Key(ResourceAuditLogs, ActionView)
)
