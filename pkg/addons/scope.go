package addons

import (
	"github.com/fidiego/http-mirror/pkg/filter"
)

// Scope is the mirroring configuration of one upstream.
type Scope struct {
	Enabled     bool
	MaxBodySize int64
	// Filter selects the exchanges to mirror. Nil mirrors all of them.
	Filter filter.Filter
}

// Scopes maps upstream names to their mirroring configuration. It is built
// once at startup and never modified, so it is shared freely between
// exchanges.
type Scopes struct {
	def    Scope
	byName map[string]Scope
}

// NewScopes returns a table where upstreams missing from overrides use def.
func NewScopes(def Scope, overrides map[string]Scope) *Scopes {
	s := &Scopes{def: def, byName: make(map[string]Scope, len(overrides))}
	for name, sc := range overrides {
		s.byName[name] = sc
	}
	return s
}

// For returns the scope of the named upstream.
func (s *Scopes) For(upstream string) Scope {
	if s == nil {
		return Scope{}
	}
	if sc, ok := s.byName[upstream]; ok {
		return sc
	}
	return s.def
}

// Enabled reports whether any scope mirrors.
func (s *Scopes) Enabled() bool {
	if s == nil {
		return false
	}
	if s.def.Enabled {
		return true
	}
	for _, sc := range s.byName {
		if sc.Enabled {
			return true
		}
	}
	return false
}
