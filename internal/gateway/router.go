package gateway

import (
	"fmt"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/sms"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/directory"
)

// Target is the routing decision for an accepted inbound message.
type Target struct {
	TenantID   string
	EmployeeID string
}

type routeKey struct {
	channel channel.Channel
	key     string
}

// Router resolves a (channel, key) pair to the employee that should handle
// the message. Resolution order: exact route, per-channel wildcard, the
// employee directory for email addresses, then the global default employee.
type Router struct {
	routes        map[routeKey]Target
	wildcards     map[channel.Channel]Target
	directory     *directory.Directory
	defaultTenant string
	defaultTarget *Target
}

// NewRouter builds the route table from gateway.toml routes and the employee
// directory. dir may be nil when no directory is configured.
func NewRouter(cfg config.Config, dir *directory.Directory) (*Router, error) {
	tenant := strings.TrimSpace(cfg.Defaults.TenantID)
	if tenant == "" {
		tenant = "default"
	}
	r := &Router{
		routes:        map[routeKey]Target{},
		wildcards:     map[channel.Channel]Target{},
		directory:     dir,
		defaultTenant: tenant,
	}
	for i, route := range cfg.Routes {
		ch := channel.Parse(route.Channel)
		if !ch.Known() {
			return nil, fmt.Errorf("route %d: unknown channel %q", i, route.Channel)
		}
		key := NormalizeRouteKey(ch, route.Key)
		if key == "" {
			return nil, fmt.Errorf("route %d: key cannot be empty", i)
		}
		if route.EmployeeID == "" {
			return nil, fmt.Errorf("route %d: missing employee_id", i)
		}
		target := Target{TenantID: route.TenantID, EmployeeID: route.EmployeeID}
		if target.TenantID == "" {
			target.TenantID = tenant
		}
		if key == "*" {
			r.wildcards[ch] = target
		} else {
			r.routes[routeKey{channel: ch, key: key}] = target
		}
	}
	if id := strings.TrimSpace(cfg.Defaults.EmployeeID); id != "" {
		r.defaultTarget = &Target{TenantID: tenant, EmployeeID: id}
	} else if dir != nil {
		if emp, ok := dir.Default(); ok {
			r.defaultTarget = &Target{TenantID: tenant, EmployeeID: emp.ID}
		}
	}
	return r, nil
}

// Resolve returns the target for the channel and key, or false when no route
// matches.
func (r *Router) Resolve(ch channel.Channel, key string) (Target, bool) {
	normalized := NormalizeRouteKey(ch, key)
	if target, ok := r.routes[routeKey{channel: ch, key: normalized}]; ok {
		return target, true
	}
	if target, ok := r.wildcards[ch]; ok {
		return target, true
	}
	if ch == channel.Email && r.directory != nil {
		if emp, ok := r.directory.ByAddress(normalized); ok {
			return Target{TenantID: r.defaultTenant, EmployeeID: emp.ID}, true
		}
	}
	if r.defaultTarget != nil {
		return *r.defaultTarget, true
	}
	return Target{}, false
}

// NormalizeRouteKey canonicalizes a route key for its channel: email keys
// fold to lower case, SMS keys keep digits and a leading plus, everything
// else is trimmed as-is. "*" is the wildcard.
func NormalizeRouteKey(ch channel.Channel, key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "*" {
		return "*"
	}
	switch ch {
	case channel.Email:
		return strings.ToLower(trimmed)
	case channel.SMS:
		return sms.NormalizePhone(trimmed)
	default:
		return trimmed
	}
}
