// Package config is the configuration collaborator for the RPC framework.
// Options are addressed by slash-separated section paths
// ("/Systems/JobMonitoring/Authorization/Default") the same way the legacy
// configuration service addressed them. The store is immutable after Load,
// so concurrent readers need no locking.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type Store struct {
	v *viper.Viper
}

// Load reads a YAML configuration file. Environment variables prefixed with
// DIRAC_ override file options, with slashes and dots mapped to underscores
// (DIRAC_TORNADO_PORT overrides /Tornado/Port).
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DIRAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "/", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return &Store{v: v}, nil
}

// New builds a store from an in-memory tree. Used by tests and by embedders
// that carry their own configuration source.
func New(values map[string]any) *Store {
	v := viper.New()
	for key, value := range values {
		v.Set(optionKey(key), value)
	}
	return &Store{v: v}
}

func optionKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

// ServiceSection returns the configuration section for a service name like
// "WorkloadManagement/JobMonitoring".
func ServiceSection(service string) string {
	return "/Systems/" + strings.Trim(service, "/")
}

func (s *Store) GetOption(path, def string) string {
	raw := s.v.Get(optionKey(path))
	if raw == nil {
		return def
	}
	return scalarString(raw)
}

func (s *Store) GetInt(path string, def int) int {
	if raw := s.GetOption(path, ""); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

func (s *Store) GetBool(path string, def bool) bool {
	if raw := s.GetOption(path, ""); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return def
}

// GetList returns an option as a list. Both YAML sequences and the legacy
// comma-separated form are accepted.
func (s *Store) GetList(path string) []string {
	raw := s.v.Get(optionKey(path))
	if raw == nil {
		return nil
	}
	var out []string
	switch values := raw.(type) {
	case []any:
		for _, item := range values {
			if str := strings.TrimSpace(scalarString(item)); str != "" {
				out = append(out, str)
			}
		}
	default:
		for _, part := range strings.Split(scalarString(raw), ",") {
			if str := strings.TrimSpace(part); str != "" {
				out = append(out, str)
			}
		}
	}
	return out
}

// GetOptions returns the scalar options directly under a section. Child
// sections are skipped; list values are rendered comma-separated the way the
// legacy configuration exported them.
func (s *Store) GetOptions(section string) map[string]string {
	raw := s.v.Get(optionKey(section))
	tree, ok := raw.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(tree))
	for name, value := range tree {
		switch value.(type) {
		case map[string]any:
			continue
		case []any:
			out[name] = strings.Join(listStrings(value.([]any)), ",")
		default:
			out[name] = scalarString(value)
		}
	}
	return out
}

// Sections returns the sorted names of the child sections under a section.
func (s *Store) Sections(section string) []string {
	raw := s.v.Get(optionKey(section))
	tree, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	var out []string
	for name, value := range tree {
		if _, isMap := value.(map[string]any); isMap {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func listStrings(values []any) []string {
	out := make([]string, 0, len(values))
	for _, item := range values {
		out = append(out, scalarString(item))
	}
	return out
}

func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
