package router

import (
	"github.com/sentryd/sentryd/internal/domain"
	"github.com/sentryd/sentryd/internal/cluster/wire"
)

// RegistryDomainResolver adapts domain.Membership into a
// router.DomainResolver by resolving a wire.Security descriptor's
// (type, name) back to the object's domain list via Lookup.
type RegistryDomainResolver struct {
	Lookup func(objType, objName string) []*domain.Domain
}

// Allows implements DomainResolver: a nil security descriptor always
// passes (RelayMessage never calls this case, but a direct caller might).
func (r RegistryDomainResolver) Allows(sec *wire.Security, endpointName string) bool {
	if sec == nil {
		return true
	}
	domains := r.Lookup(sec.Type, sec.Name)
	priv := domain.Membership(domains, endpointName)
	return priv.Has(domain.Privilege(sec.Privs))
}
