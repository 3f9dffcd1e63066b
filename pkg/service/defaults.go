package service

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
)

// defaultMethods are registered on every service: a no-auth liveness probe,
// an echo for round-trip testing, and whoami for credential debugging.
func defaultMethods(s *Service) map[string]Method {
	return map[string]Method{
		"ping":   {Do: s.exportPing, Auth: []string{"all"}},
		"echo":   {Do: exportEcho, Auth: []string{"all"}},
		"whoami": {Do: s.exportWhoami, Auth: []string{"authenticated"}},
	}
}

// exportPing reports process version, uptime and load. It mirrors the
// information the legacy transport returned so monitoring stays
// transparent across both.
func (s *Service) exportPing(ctx context.Context, req *Request) (any, error) {
	now := time.Now().UTC()
	info := map[string]any{
		"version":            Version,
		"time":               now.Format(time.RFC3339),
		"name":               s.def.Name,
		"requests":           s.requests.Load(),
		"cpu count":          runtime.NumCPU(),
		"service start time": s.startTime.Format(time.RFC3339),
		"service uptime":     int64(now.Sub(s.startTime).Seconds()),
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		info["host uptime"] = uptime
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info["load"] = fmt.Sprintf("%.2f %.2f %.2f", avg.Load1, avg.Load5, avg.Load15)
	}
	return info, nil
}

func exportEcho(ctx context.Context, req *Request) (any, error) {
	return req.Arg(0), nil
}

// exportWhoami returns the resolved identity. Raw certificate material is
// never part of Identity, so nothing needs stripping here.
func (s *Service) exportWhoami(ctx context.Context, req *Request) (any, error) {
	return req.Identity, nil
}
