package main

import (
	"strings"

	"github.com/lumen-commerce/commerce_layer/internal/config"
)

const (
	roleAdmin      = "admin"
	roleSuperAdmin = "super_admin"
)

// roleOverrides promotes admin-surface users listed in ADMIN_USER_IDS and
// SUPER_ADMIN_USER_IDS regardless of the role stored on their credential.
type roleOverrides struct {
	admins      map[string]struct{}
	superAdmins map[string]struct{}
}

func newRoleOverrides(cfg *config.Config) roleOverrides {
	return roleOverrides{
		admins:      parseCSVSet(cfg.AdminUserIDs),
		superAdmins: parseCSVSet(cfg.SuperAdminUserIDs),
	}
}

func (o roleOverrides) resolve(userID, stored string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return stored
	}
	if _, ok := o.superAdmins[userID]; ok {
		return roleSuperAdmin
	}
	if _, ok := o.admins[userID]; ok {
		return roleAdmin
	}
	return stored
}

func parseCSVSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range config.ParseCSV(raw) {
		out[part] = struct{}{}
	}
	return out
}
