// Package guard holds the pure admission checks the management API
// runs against a discovery snapshot before touching the cluster. The
// checks are advisory: a concurrent create can still race past them,
// and the cluster's own create-if-absent semantics settles the winner.
package guard

import (
	"fmt"
	"strings"

	"wharf/api/model"
)

// CheckName verifies the name is well-formed and not taken by any
// discovered server, static or dynamic. Comparison is case-insensitive
// because service DNS is.
func CheckName(snapshot []model.ServerDescriptor, name string) error {
	if !model.ValidServerName(name) {
		return model.Invalid("invalid server name %q", name)
	}
	for _, s := range snapshot {
		if strings.EqualFold(s.Name, name) {
			return model.Conflict("name", "server name %q already in use", name)
		}
	}
	return nil
}

// CheckExternalPort verifies an explicitly requested external port is
// inside the allowed range and not held by any discovered server.
// Port 0 means "let the cluster allocate" and always passes.
func CheckExternalPort(snapshot []model.ServerDescriptor, port, min, max int) error {
	if port == 0 {
		return nil
	}
	if port < min || port > max {
		return model.Invalid("external port %d outside allowed range %d-%d", port, min, max)
	}
	for _, s := range snapshot {
		if s.ExternalPort == port {
			return model.Conflict("port", "external port %d already in use by %q", port, s.Name)
		}
	}
	return nil
}

// CheckQuota verifies the dynamic-server count is below the limit.
// A limit of zero or below disables the check.
func CheckQuota(snapshot []model.ServerDescriptor, max int) error {
	if max <= 0 {
		return nil
	}
	count := 0
	for _, s := range snapshot {
		if s.IsDynamic {
			count++
		}
	}
	if count >= max {
		return fmt.Errorf("%w (%d of %d)", model.ErrQuotaExceeded, count, max)
	}
	return nil
}
