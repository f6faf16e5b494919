package interfaces

import "mindhaven/pkg/types"

// Notifier delivers transient user-visible notices to the presentation layer.
type Notifier interface {
	Notify(notice types.Notice)
}

// IdentityProvider exposes the authenticated identity, if any.
type IdentityProvider interface {
	Identity() (types.Identity, bool)
}
