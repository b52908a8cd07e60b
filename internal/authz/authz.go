// Package authz holds the role model and the capability checks consumers run
// before asking for a change-feed subscription or a triage action.
package authz

import (
	"strings"

	"github.com/linnemanlabs/hazardwatch/internal/notification"
)

// Role is a caller's role as supplied by the identity layer.
type Role string

const (
	RoleMasterAdmin  Role = "master_admin"
	RoleValidator    Role = "validator"
	RoleLGUResponder Role = "lgu_responder"
	RoleCitizen      Role = "citizen"
)

// ParseRole normalizes s to a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleMasterAdmin, RoleValidator, RoleLGUResponder, RoleCitizen:
		return r, true
	}
	return "", false
}

// Checker decides whether a role may open a topic.
type Checker interface {
	CanSubscribe(topic string, role Role) bool
}

// Gate is the default capability table.
type Gate struct {
	// restricted maps topic prefixes to the roles allowed to subscribe.
	restricted map[string][]Role
}

// NewGate returns the default gate: RSS topics are limited to master admins
// and validators, citizen reports to the admin roles, everything else is open.
func NewGate() *Gate {
	admins := []Role{RoleMasterAdmin, RoleValidator, RoleLGUResponder}
	return &Gate{restricted: map[string][]Role{
		"rss:":     {RoleMasterAdmin, RoleValidator},
		"reports:": admins,
	}}
}

// CanSubscribe reports whether role may request topic.
func (g *Gate) CanSubscribe(topic string, role Role) bool {
	for prefix, allowed := range g.restricted {
		if strings.HasPrefix(topic, prefix) {
			return hasRole(allowed, role)
		}
	}
	return true
}

// Topics filters topics down to the ones role may request, keeping order.
func Topics(c Checker, role Role, topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if c.CanSubscribe(t, role) {
			out = append(out, t)
		}
	}
	return out
}

// CanTriage reports whether role may validate, reject or mark reports.
func CanTriage(role Role) bool {
	return role == RoleMasterAdmin || role == RoleValidator || role == RoleLGUResponder
}

// CanManageFeed reports whether role may clear the shared notification feed
// or mark every entry read.
func CanManageFeed(role Role) bool {
	return role == RoleMasterAdmin || role == RoleValidator
}

// NotificationFilter returns a predicate accepting the entries role may see:
// an entry is visible when role may subscribe to the topic it came from.
func NotificationFilter(c Checker, role Role) func(notification.Notification) bool {
	return func(n notification.Notification) bool {
		return c.CanSubscribe(n.Topic(), role)
	}
}

func hasRole(allowed []Role, role Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
