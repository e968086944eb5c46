package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// Permission names an action guarded by the backend.
type Permission string

const (
	Read           Permission = "read"
	Push           Permission = "push"
	CreateChange   Permission = "create_change"
	AddPatchSet    Permission = "add_patch_set"
	Rebase         Permission = "rebase"
	Abandon        Permission = "abandon"
	Submit         Permission = "submit"
	Revert         Permission = "revert"
	ForgeAuthor    Permission = "forge_author"
	ForgeCommitter Permission = "forge_committer"
	ForgeServer    Permission = "forge_server"
	ViewPrivate    Permission = "view_private"
	Administrate   Permission = "administrate"
)

// Principals understood in rules besides plain account ids.
const (
	Anyone   = "*"
	Owner    = "owner"
	Uploader = "uploader"
)

// All lists every permission in a stable order.
func All() []Permission {
	return []Permission{
		Read, Push, CreateChange, AddPatchSet, Rebase, Abandon, Submit, Revert,
		ForgeAuthor, ForgeCommitter, ForgeServer, ViewPrivate, Administrate,
	}
}

// Resource is what a permission is checked against. Owner and Uploader are empty for
// branch level checks.
type Resource struct {
	Project  string
	Branch   string
	Owner    string
	Uploader string
}

// Backend answers permission questions.
type Backend interface {
	Allowed(account string, permission Permission, resource Resource) bool
}

// Defaults is the rule set used when the configuration grants nothing explicitly.
func Defaults() map[Permission][]string {
	return map[Permission][]string{
		Read:         {Anyone},
		Push:         {Anyone},
		CreateChange: {Anyone},
		Revert:       {Anyone},
		AddPatchSet:  {Owner},
		Rebase:       {Owner, Uploader},
		Abandon:      {Owner},
		Submit:       {Owner},
	}
}

// RuleBackend grants permissions from a static principal list per permission. Administrators
// hold every permission.
type RuleBackend struct {
	rules map[Permission]map[string]struct{}
}

// NewRuleBackend builds a backend from textual rules merged over Defaults.
func NewRuleBackend(rules map[string][]string) (*RuleBackend, error) {
	merged := Defaults()
	for name, principals := range rules {
		permission := Permission(strings.ToLower(strings.TrimSpace(name)))
		if !known(permission) {
			return nil, fmt.Errorf("permissions: unknown permission %q", name)
		}
		merged[permission] = principals
	}
	backend := &RuleBackend{rules: make(map[Permission]map[string]struct{}, len(merged))}
	for permission, principals := range merged {
		set := make(map[string]struct{}, len(principals))
		for _, principal := range principals {
			principal = strings.TrimSpace(principal)
			if principal != "" {
				set[principal] = struct{}{}
			}
		}
		backend.rules[permission] = set
	}
	return backend, nil
}

// Allowed evaluates the rules for account.
func (b *RuleBackend) Allowed(account string, permission Permission, resource Resource) bool {
	account = strings.TrimSpace(account)
	if account == "" {
		return false
	}
	if b.matches(account, Administrate, resource) {
		return true
	}
	return b.matches(account, permission, resource)
}

// Principals returns the configured principals of a permission, sorted.
func (b *RuleBackend) Principals(permission Permission) []string {
	principals := make([]string, 0, len(b.rules[permission]))
	for principal := range b.rules[permission] {
		principals = append(principals, principal)
	}
	sort.Strings(principals)
	return principals
}

func (b *RuleBackend) matches(account string, permission Permission, resource Resource) bool {
	principals := b.rules[permission]
	if _, ok := principals[Anyone]; ok {
		return true
	}
	if _, ok := principals[account]; ok {
		return true
	}
	if _, ok := principals[Owner]; ok && resource.Owner != "" && resource.Owner == account {
		return true
	}
	if _, ok := principals[Uploader]; ok && resource.Uploader != "" && resource.Uploader == account {
		return true
	}
	return false
}

func known(permission Permission) bool {
	for _, candidate := range All() {
		if candidate == permission {
			return true
		}
	}
	return false
}
