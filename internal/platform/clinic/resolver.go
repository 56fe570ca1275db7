package clinic

import (
	"strings"
)

// Resolver maps an ambient request signal (the Host header) to a clinic id.
// Resolution is corroboration only: a mismatch against the principal's clinic
// is logged by the caller, it never changes the effective scope.
type Resolver interface {
	// ResolveHost returns the clinic id implied by host, or ok=false when the
	// host carries no tenant information (apex domain, IP, unknown subdomain).
	ResolveHost(host string) (clinicID string, ok bool)
}

// SubdomainResolver reads the clinic slug from "<slug>.<base-domain>" and maps
// it through a slug table supplied at construction.
type SubdomainResolver struct {
	baseDomain string
	bySlug     map[string]string
}

func NewSubdomainResolver(baseDomain string, bySlug map[string]string) *SubdomainResolver {
	return &SubdomainResolver{
		baseDomain: strings.ToLower(baseDomain),
		bySlug:     bySlug,
	}
}

func (r *SubdomainResolver) ResolveHost(host string) (string, bool) {
	if r.baseDomain == "" {
		return "", false
	}

	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	suffix := "." + r.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}

	slug := strings.TrimSuffix(host, suffix)
	if slug == "" || strings.Contains(slug, ".") {
		return "", false
	}

	id, ok := r.bySlug[slug]
	return id, ok
}

// NopResolver never resolves. Used when no base domain is configured.
type NopResolver struct{}

func (NopResolver) ResolveHost(string) (string, bool) { return "", false }
