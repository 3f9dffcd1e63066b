package security

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/chrisburr/DIRAC/pkg/config"
	"github.com/chrisburr/DIRAC/pkg/store"
)

// RegistryUser is the registry metadata attached to a DN.
type RegistryUser struct {
	Name       string   `json:"name"`
	Group      string   `json:"group"`
	Properties []string `json:"properties,omitempty"`
}

// Registry resolves distinguished names against the /Registry configuration
// tree:
//
//	Registry/Users/<user>/DN
//	Registry/Groups/<group>/Users
//	Registry/Groups/<group>/Properties
//	Registry/DefaultGroup
//
// Resolutions are memoized in the cache; the configuration itself is
// immutable, so the TTL only bounds memory, not staleness.
type Registry struct {
	Config *config.Store
	Cache  store.Cache
	TTL    time.Duration
}

func NewRegistry(cfg *config.Store, cache store.Cache) *Registry {
	if cache == nil {
		cache = store.NewMemoryCache()
	}
	return &Registry{Config: cfg, Cache: cache, TTL: 10 * time.Minute}
}

// Resolve maps a DN to its registry user. The second return is false when
// the DN is not registered.
func (r *Registry) Resolve(dn string) (RegistryUser, bool) {
	if r.Config == nil || dn == "" {
		return RegistryUser{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := "registry:" + dn
	if cached, err := r.Cache.Get(ctx, key); err == nil {
		var user RegistryUser
		if err := json.Unmarshal([]byte(cached), &user); err == nil {
			return user, user.Name != ""
		}
	}
	user, found := r.lookup(dn)
	if encoded, err := json.Marshal(user); err == nil {
		if err := r.Cache.Set(ctx, key, string(encoded), r.ttl()); err != nil {
			log.Printf("registry cache write failed for %s: %v", dn, err)
		}
	}
	return user, found
}

func (r *Registry) lookup(dn string) (RegistryUser, bool) {
	var name string
	for _, username := range r.Config.Sections("/Registry/Users") {
		if r.Config.GetOption("/Registry/Users/"+username+"/DN", "") == dn {
			name = username
			break
		}
	}
	if name == "" {
		return RegistryUser{}, false
	}
	group := r.groupFor(name)
	user := RegistryUser{Name: name, Group: group}
	if group != "" {
		user.Properties = r.Config.GetList("/Registry/Groups/" + group + "/Properties")
	}
	return user, true
}

func (r *Registry) groupFor(username string) string {
	for _, group := range r.Config.Sections("/Registry/Groups") {
		for _, member := range r.Config.GetList("/Registry/Groups/" + group + "/Users") {
			if strings.EqualFold(member, username) {
				return group
			}
		}
	}
	return r.Config.GetOption("/Registry/DefaultGroup", "")
}

func (r *Registry) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return 10 * time.Minute
}
