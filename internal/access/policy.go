// Package access evaluates role-based authorization for storage domains. The
// engine never authenticates callers; it only checks the claimed role set
// against each domain's allowed roles.
package access

import (
	"sync"

	dErrors "shuttle/pkg/domain-errors"
	platformstrings "shuttle/pkg/platform/strings"
)

// DomainRoles is the startup role configuration for one storage domain.
type DomainRoles struct {
	Domain string
	Roles  []string
}

// Policy maps each domain to its allowed roles. Role sets are read-mostly;
// UpdateRoles exists so the control plane can adjust them without a restart.
type Policy struct {
	mu      sync.RWMutex
	domains map[string]map[string]struct{}
}

// New builds a Policy from per-domain role lists. A domain configured with an
// empty role list denies every principal; that is deliberate, not a default
// to "allow all".
func New(domains []DomainRoles) *Policy {
	p := &Policy{domains: make(map[string]map[string]struct{}, len(domains))}
	for _, d := range domains {
		p.domains[d.Domain] = roleSet(d.Roles)
	}
	return p
}

// roleSet normalizes a configured role list. Whitespace and duplicate entries
// come straight from env configuration and must not widen or break matching.
func roleSet(roles []string) map[string]struct{} {
	cleaned := platformstrings.DedupeAndTrim(roles)
	set := make(map[string]struct{}, len(cleaned))
	for _, r := range cleaned {
		set[r] = struct{}{}
	}
	return set
}

// Authorize allows the operation iff the claimed roles intersect the domain's
// allowed roles. The error carries CodeUnknownDomain for unconfigured domains
// and CodeAuthorizationDenied otherwise; a nil return means allowed.
func (p *Policy) Authorize(domain string, claimedRoles []string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	allowed, ok := p.domains[domain]
	if !ok {
		return dErrors.Newf(dErrors.CodeUnknownDomain, "storage domain %q is not configured", domain)
	}
	for _, role := range claimedRoles {
		if _, ok := allowed[role]; ok {
			return nil
		}
	}
	return dErrors.Newf(dErrors.CodeAuthorizationDenied, "no claimed role grants access to domain %q", domain)
}

// AllowedRoles returns a copy of the domain's role set.
func (p *Policy) AllowedRoles(domain string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	allowed, ok := p.domains[domain]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeUnknownDomain, "storage domain %q is not configured", domain)
	}
	roles := make([]string, 0, len(allowed))
	for r := range allowed {
		roles = append(roles, r)
	}
	return roles, nil
}

// UpdateRoles atomically replaces a domain's role set.
func (p *Policy) UpdateRoles(domain string, roles []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.domains[domain]; !ok {
		return dErrors.Newf(dErrors.CodeUnknownDomain, "storage domain %q is not configured", domain)
	}
	p.domains[domain] = roleSet(roles)
	return nil
}
