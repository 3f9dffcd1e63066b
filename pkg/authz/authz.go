// Package authz is the per-method authorization gate. It resolves the
// effective requirement for a call (handler override, configured value, or
// section default) and delegates the decision to a Policy evaluator. The
// gate itself holds no policy logic beyond that resolution, so deployments
// can swap the evaluator without touching the request lifecycle.
package authz

import (
	"strings"

	"github.com/chrisburr/DIRAC/pkg/security"
)

// Requirement classes understood by the default policy.
const (
	RequireAll           = "all"
	RequireAuthenticated = "authenticated"
	groupPrefix          = "group:"
)

// Policy evaluates one requirement token against an identity.
type Policy interface {
	Evaluate(token string, id *security.Identity) bool
}

// Config supplies configured requirements; satisfied by *config.Store.
type Config interface {
	GetOption(path, def string) string
	GetList(path string) []string
}

// Manager is bound to one service's Authorization configuration section at
// initialization time and consulted on every call.
type Manager struct {
	Section string
	Config  Config
	Policy  Policy
}

func NewManager(section string, cfg Config) *Manager {
	return &Manager{Section: section, Config: cfg, Policy: GridPolicy{}}
}

// AuthQuery decides whether identity may call method. staticRequirement is
// the handler-declared override and wins over configuration when present.
// Open-to-all methods are allowed through an explicit "all" requirement,
// never by skipping the query.
func (m *Manager) AuthQuery(method string, id *security.Identity, staticRequirement []string) bool {
	required := m.resolve(method, staticRequirement)
	if len(required) == 0 {
		return false
	}
	policy := m.Policy
	if policy == nil {
		policy = GridPolicy{}
	}
	for _, token := range required {
		if policy.Evaluate(token, id) {
			return true
		}
	}
	return false
}

func (m *Manager) resolve(method string, staticRequirement []string) []string {
	if len(staticRequirement) > 0 {
		return normalize(staticRequirement)
	}
	if m.Config != nil && m.Section != "" {
		if configured := m.Config.GetList(m.Section + "/" + method); len(configured) > 0 {
			return normalize(configured)
		}
		if fallback := m.Config.GetList(m.Section + "/Default"); len(fallback) > 0 {
			return normalize(fallback)
		}
	}
	return []string{RequireAuthenticated}
}

func normalize(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token = strings.TrimSpace(token); token != "" {
			out = append(out, token)
		}
	}
	return out
}

// GridPolicy is the default evaluator. A token is one of:
//
//	all            any caller, even without an identity
//	authenticated  any caller with a transport-verified DN
//	group:<name>   the identity's registry group equals <name>
//	<property>     the identity's group carries the named property
type GridPolicy struct{}

func (GridPolicy) Evaluate(token string, id *security.Identity) bool {
	switch lowered := strings.ToLower(token); {
	case lowered == RequireAll:
		return true
	case lowered == RequireAuthenticated:
		return id.Authenticated()
	case strings.HasPrefix(lowered, groupPrefix):
		return id.Authenticated() && strings.EqualFold(id.Group, token[len(groupPrefix):])
	default:
		if !id.Authenticated() {
			return false
		}
		for _, property := range id.Properties {
			if strings.EqualFold(property, token) {
				return true
			}
		}
		return false
	}
}
