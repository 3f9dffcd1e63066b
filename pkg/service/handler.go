package service

import (
	"crypto/x509"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chrisburr/DIRAC/pkg/audit"
	"github.com/chrisburr/DIRAC/pkg/envelope"
)

// ServeHTTP runs the request lifecycle: accept, initialize-once,
// authenticate, authorize, dispatch, respond, finalize. Every path,
// including failures in the early stages, flows through the response and
// audit steps so the client always gets a well-formed envelope and the
// server always gets an audit line.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := &Request{
		ID:         uuid.NewString(),
		Service:    s.def.Name,
		RemoteAddr: r.RemoteAddr,
	}

	res := s.run(r, req)

	body, contentType, status := envelope.Encode(res, req.rawContent, req.status)
	if r.Context().Err() == nil {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		if _, err := w.Write(body); err != nil {
			log.Printf("write to %s failed: %v", r.RemoteAddr, err)
		}
	} else {
		// Client went away. The dispatched work already completed; only
		// the write is dropped.
		log.Printf("client %s disconnected before response on /%s", r.RemoteAddr, s.def.Name)
	}

	elapsed := time.Since(start)
	s.deps.Metrics.Observe(s.def.Name+"."+req.Method, status, elapsed)
	var dn string
	if req.Identity != nil {
		dn = req.Identity.DN
	}
	s.deps.Audit.Finish(r.Context(), audit.Record{
		RequestID: req.ID,
		Service:   s.def.Name,
		Method:    req.Method,
		DN:        dn,
		Status:    status,
	}, elapsed)
}

// run executes the pre-response stages in their fixed order and returns the
// envelope to send. It sets the HTTP status on req for non-200 outcomes.
func (s *Service) run(r *http.Request, req *Request) envelope.Result {
	if r.Method != http.MethodPost {
		req.SetStatus(http.StatusMethodNotAllowed)
		return envelope.Error(envelope.ENOARGS, "RPC requests must use POST")
	}

	if err := s.ensureInitialized(publicURL(r)); err != nil {
		req.SetStatus(http.StatusInternalServerError)
		return envelope.Error(envelope.ENOINIT,
			"Service can't be initialized! Check logs on the server for more information.")
	}

	s.requests.Add(1)
	s.lastStats.Store(time.Now().Unix())
	s.deps.Metrics.MarkQuery(s.component)

	method := r.FormValue("method")
	if method == "" {
		req.SetStatus(http.StatusBadRequest)
		return envelope.Error(envelope.ENOARGS, "method argument required")
	}
	req.Method = method
	if raw := r.FormValue("rawContent"); raw != "" {
		req.rawContent, _ = strconv.ParseBool(raw)
	}
	log.Printf("incoming request on /%s: %s", s.def.Name, method)

	identity, err := s.deps.Extractor.Extract(peerChain(r), r.FormValue("extraCredentials"))
	if err != nil {
		// Failures before authentication are 401 by RFC convention,
		// regardless of what the method would have required.
		log.Printf("unauthorized access to /%s from %s: %v", s.def.Name, r.RemoteAddr, err)
		req.SetStatus(http.StatusUnauthorized)
		return envelope.Error(envelope.ENOAUTH, "Unauthorized query")
	}
	req.Identity = identity

	if s.deps.Limiter != nil && s.deps.RateLimit > 0 {
		if decision := s.deps.Limiter.Allow(identity.DN, s.deps.RateLimit); !decision.Allowed {
			req.SetStatus(http.StatusTooManyRequests)
			return envelope.Error(envelope.ELIMIT, "Too many requests")
		}
	}

	var static []string
	if m, known := s.methods[method]; known {
		static = m.Auth
	}
	if !s.auth.AuthQuery(method, identity, static) {
		log.Printf("unauthorized access to /%s: %s by %s", s.def.Name, method, identity.DN)
		req.SetStatus(s.deniedStatus(identity.Authenticated()))
		return envelope.Error(envelope.ENOAUTH, "Unauthorized query")
	}

	args, err := decodeArgs(r.FormValue("args"))
	if err != nil {
		req.SetStatus(http.StatusBadRequest)
		return envelope.Error(envelope.ENOARGS, err.Error())
	}
	req.Args = args

	return s.dispatch(r.Context(), req)
}

// deniedStatus maps a gate denial to its HTTP status: 401 for callers that
// never authenticated, 403 (or the definition's override) for authenticated
// callers with insufficient rights.
func (s *Service) deniedStatus(authenticated bool) int {
	if !authenticated {
		return http.StatusUnauthorized
	}
	if s.def.DeniedStatus >= 400 {
		return s.def.DeniedStatus
	}
	return http.StatusForbidden
}

// peerChain returns the verified certificate chain presented by the TLS
// layer, leaf first.
func peerChain(r *http.Request) []*x509.Certificate {
	if r.TLS == nil {
		return nil
	}
	if len(r.TLS.VerifiedChains) > 0 && len(r.TLS.VerifiedChains[0]) > 0 {
		return r.TLS.VerifiedChains[0]
	}
	return r.TLS.PeerCertificates
}

func publicURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}
