// Package actions maps each syncback action kind to the provider-specific
// handler that replays it against the server.
package actions

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

type handlerKey struct {
	kind   types.ActionKind
	family types.ProviderFamily
}

// Registry resolves handlers by action kind and provider family
type Registry struct {
	logger   *logrus.Logger
	handlers map[handlerKey]Handler
}

// NewRegistry creates a registry holding every built-in handler
func NewRegistry(logger *logrus.Logger) *Registry {
	reg := &Registry{
		logger:   logger,
		handlers: make(map[handlerKey]Handler),
	}

	// Register all handlers
	reg.registerFamily(types.FamilyGeneric, genericHandlers())
	reg.registerFamily(types.FamilyGmail, gmailHandlers())
	reg.registerFamily(types.FamilyFastmail, fastmailHandlers())

	reg.logger.WithField("count", len(reg.handlers)).Info("Registered syncback handlers")
	return reg
}

func (r *Registry) registerFamily(family types.ProviderFamily, handlers map[types.ActionKind]Handler) {
	for kind, h := range handlers {
		r.handlers[handlerKey{kind: kind, family: family}] = h
		r.logger.WithFields(logrus.Fields{
			"kind":   kind,
			"family": family,
		}).Debug("Registered handler")
	}
}

// Lookup returns the handler for kind on family, falling back to the generic
// family. A missing handler is a configuration error wrapping ErrNoHandler.
func (r *Registry) Lookup(kind types.ActionKind, family types.ProviderFamily) (Handler, error) {
	if h, ok := r.handlers[handlerKey{kind: kind, family: family}]; ok {
		return h, nil
	}
	if h, ok := r.handlers[handlerKey{kind: kind, family: types.FamilyGeneric}]; ok {
		return h, nil
	}
	return nil, reliability.Semantic("lookup handler",
		fmt.Errorf("%w for %s on %s", reliability.ErrNoHandler, kind, family))
}

// Supports reports whether an action kind can run for a family
func (r *Registry) Supports(kind types.ActionKind, family types.ProviderFamily) bool {
	_, err := r.Lookup(kind, family)
	return err == nil
}

// Kinds lists the action kinds a family supports, sorted
func (r *Registry) Kinds(family types.ProviderFamily) []types.ActionKind {
	seen := make(map[types.ActionKind]bool)
	for key := range r.handlers {
		if key.family == family || key.family == types.FamilyGeneric {
			seen[key.kind] = true
		}
	}
	kinds := make([]types.ActionKind, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
