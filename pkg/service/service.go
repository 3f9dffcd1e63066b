// Package service implements the authenticated RPC request lifecycle shared
// by every service the server exposes: exactly-once lazy initialization,
// certificate authentication, authorization, dispatch to a bounded worker
// pool, and envelope encoding.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrisburr/DIRAC/pkg/audit"
	"github.com/chrisburr/DIRAC/pkg/authz"
	"github.com/chrisburr/DIRAC/pkg/config"
	"github.com/chrisburr/DIRAC/pkg/metrics"
	"github.com/chrisburr/DIRAC/pkg/ratelimit"
	"github.com/chrisburr/DIRAC/pkg/security"
)

// Version is reported by the default ping method.
const Version = "0.1.0"

// ErrNotInitialized is the fatal state after a failed service
// initialization. Every request observes it until the process restarts.
var ErrNotInitialized = errors.New("service initialization failed")

// Handler is one exported method. It returns the success value (or an
// envelope.Result for full control over the reply) or an error, which the
// dispatcher maps to a 500 envelope carrying the error's string form only.
type Handler func(ctx context.Context, req *Request) (any, error)

// Method binds a handler to its optional static authorization requirement.
// A non-empty Auth overrides the configured requirement for the method.
type Method struct {
	Do   Handler
	Auth []string
}

// Definition is what a service author supplies: a name, the exported
// methods, and the optional lifecycle hooks.
type Definition struct {
	// Name is "System/Component", e.g. "WorkloadManagement/JobMonitoring".
	Name string

	// MandatoryParams must be present in the service's configuration
	// section; initialization fails otherwise.
	MandatoryParams []string

	// InitializeHandler runs exactly once, at the first request.
	InitializeHandler func(desc *Descriptor) error

	// BeforeEachCall runs synchronously before every handler invocation.
	BeforeEachCall func(req *Request)

	// DeniedStatus replaces 403 for authenticated-but-denied callers when
	// set to a 4xx code.
	DeniedStatus int

	Methods map[string]Method
}

// Descriptor is the shared read-mostly identity of an initialized service.
// It is populated during initialization and never mutated afterwards.
type Descriptor struct {
	Name    string
	Section string
	CSPaths []string
	URL     string
	Params  map[string]string

	cfg *config.Store
}

// Option reads a service configuration option, looked up under each
// configuration path of the service in turn. Absolute paths are read
// directly.
func (d *Descriptor) Option(name, def string) string {
	if d.cfg == nil {
		return def
	}
	if len(name) > 0 && name[0] == '/' {
		return d.cfg.GetOption(name, def)
	}
	for _, csPath := range d.CSPaths {
		if value := d.cfg.GetOption(csPath+"/"+name, ""); value != "" {
			return value
		}
	}
	return def
}

// Deps are the collaborators a service needs at request time.
type Deps struct {
	Config    *config.Store
	Extractor *security.Extractor
	Metrics   *metrics.Registry
	Audit     *audit.Logger
	Pool      *Pool

	// Limiter throttles per-DN when non-nil and RateLimit is positive.
	Limiter   ratelimit.Limiter
	RateLimit int

	// WorkerID discriminates metrics components when the server runs
	// multiple workers; negative means single-process.
	WorkerID int
}

// Service owns the lifecycle of one named service.
type Service struct {
	def     Definition
	deps    Deps
	methods map[string]Method

	initOnce sync.Once
	initErr  error

	// populated by initialize, read by every request afterwards
	desc      *Descriptor
	auth      *authz.Manager
	component string

	requests    atomic.Int64
	startTime   time.Time
	lastStats   atomic.Int64
	initialized atomic.Bool
}

// New builds a service from its definition. The default ping, echo and
// whoami methods are registered unless the definition overrides them.
func New(def Definition, deps Deps) *Service {
	if deps.Pool == nil {
		deps.Pool = NewPool(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	if deps.Extractor == nil {
		deps.Extractor = &security.Extractor{}
	}
	s := &Service{def: def, deps: deps, methods: map[string]Method{}}
	for name, method := range defaultMethods(s) {
		s.methods[name] = method
	}
	for name, method := range def.Methods {
		s.methods[name] = method
	}
	return s
}

// Name returns the service name.
func (s *Service) Name() string { return s.def.Name }

// Requests returns the number of requests accepted so far.
func (s *Service) Requests() int64 { return s.requests.Load() }

// Initialized reports whether the one-shot setup has completed.
func (s *Service) Initialized() bool { return s.initialized.Load() }

// ensureInitialized runs the service setup at most once for the process
// lifetime. Racing first requests block here until the winner finishes;
// after a failure every caller gets the same fatal error until restart.
func (s *Service) ensureInitialized(publicURL string) error {
	s.initOnce.Do(func() {
		if err := s.initialize(publicURL); err != nil {
			log.Printf("error initializing /%s: %v", s.def.Name, err)
			s.initErr = fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
	})
	return s.initErr
}

func (s *Service) initialize(publicURL string) error {
	log.Printf("first use of /%s, initializing service...", s.def.Name)
	section := config.ServiceSection(s.def.Name)
	desc := &Descriptor{
		Name:    s.def.Name,
		Section: section,
		CSPaths: []string{section},
		URL:     publicURL,
		cfg:     s.deps.Config,
	}
	if s.deps.Config != nil {
		desc.Params = s.deps.Config.GetOptions(section)
	} else {
		desc.Params = map[string]string{}
	}
	for _, param := range s.def.MandatoryParams {
		if desc.Option(param, "") == "" {
			return fmt.Errorf("mandatory parameter %s missing under %s", param, section)
		}
	}

	s.auth = authz.NewManager(section+"/Authorization", configOrNil(s.deps.Config))
	s.component = componentName(s.def.Name, s.deps.WorkerID)
	s.deps.Metrics.RegisterComponent(s.component, publicURL, map[string]string{
		"version":   Version,
		"startTime": time.Now().UTC().Format(time.RFC3339),
	})

	s.startTime = time.Now().UTC()
	s.lastStats.Store(s.startTime.Unix())

	if s.def.InitializeHandler != nil {
		if err := s.def.InitializeHandler(desc); err != nil {
			return fmt.Errorf("initialize handler: %w", err)
		}
	}

	// Publish the fully populated descriptor before the flag so no request
	// can observe a partial one.
	s.desc = desc
	s.initialized.Store(true)
	return nil
}

func componentName(service string, workerID int) string {
	if workerID >= 0 {
		return fmt.Sprintf("Tornado/CPU%d/%s", workerID, service)
	}
	return "Tornado/" + service
}

// configOrNil avoids handing a typed-nil *config.Store to the authz
// Config interface.
func configOrNil(cfg *config.Store) authz.Config {
	if cfg == nil {
		return nil
	}
	return cfg
}
