package service

import (
	"context"
	"log"
	"runtime/debug"
	"strings"

	"github.com/chrisburr/DIRAC/pkg/envelope"
)

// Pool bounds concurrent handler execution. Handlers run on pool goroutines
// so a blocking method cannot stall the connection-accepting goroutines;
// results come back as values and only the connection goroutine ever writes
// to the client.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 16
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Busy returns the number of handlers currently executing.
func (p *Pool) Busy() int {
	return len(p.sem)
}

// Invoke runs fn on the pool and waits for its result. The wait is
// deliberately unconditional: work already dispatched completes even when
// the client goes away, so server-side side effects are never half-applied.
// A panic inside fn is recovered into an error result carrying the message
// only; the stack stays server-side.
func (p *Pool) Invoke(ctx context.Context, fn func() envelope.Result) envelope.Result {
	done := make(chan envelope.Result, 1)
	p.sem <- struct{}{}
	go func() {
		res := runRecovered(fn)
		<-p.sem
		done <- res
	}()
	return <-done
}

func runRecovered(fn func() envelope.Result) (res envelope.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("panic in handler: %v\n%s", rec, debug.Stack())
			res = envelope.Errorf(envelope.EEXCEPT, "%v", rec)
			res.CallStack = strings.Split(string(debug.Stack()), "\n")
		}
	}()
	return fn()
}

// dispatch resolves and executes the method for req. It owns the unknown
// method and handler failure mappings; authorization has already happened.
func (s *Service) dispatch(ctx context.Context, req *Request) envelope.Result {
	method, ok := s.methods[req.Method]
	if !ok {
		req.SetStatus(501)
		return envelope.Errorf(envelope.ENOMETH, "Unknown method %s", req.Method)
	}
	return s.deps.Pool.Invoke(ctx, func() envelope.Result {
		if s.def.BeforeEachCall != nil {
			s.def.BeforeEachCall(req)
		}
		value, err := method.Do(ctx, req)
		if err != nil {
			log.Printf("exception serving %s.%s: %v\n%s", s.def.Name, req.Method, err, debug.Stack())
			req.SetStatus(500)
			return envelope.Error(envelope.EEXCEPT, err.Error())
		}
		if res, isResult := value.(envelope.Result); isResult {
			return res
		}
		return envelope.OK(value)
	})
}
