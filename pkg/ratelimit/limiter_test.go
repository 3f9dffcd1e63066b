package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testDN = "/O=Grid/CN=alice"

func TestInMemoryWindow(t *testing.T) {
	l := NewInMemory(50 * time.Millisecond)
	for i := 1; i <= 3; i++ {
		d := l.Allow(testDN, 3)
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if d := l.Allow(testDN, 3); d.Allowed {
		t.Fatalf("fourth call should be limited: %+v", d)
	}
	time.Sleep(60 * time.Millisecond)
	if d := l.Allow(testDN, 3); !d.Allowed {
		t.Fatalf("window should reset: %+v", d)
	}
}

func TestInMemoryIsolatesDNs(t *testing.T) {
	l := NewInMemory(time.Minute)
	l.Allow(testDN, 1)
	if d := l.Allow("/O=Grid/CN=bob", 1); !d.Allowed {
		t.Fatalf("bob must not share alice's window: %+v", d)
	}
}

func TestRedisLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	l := NewRedis(client, time.Minute)
	for i := 1; i <= 2; i++ {
		if d := l.Allow(testDN, 2); !d.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	d := l.Allow(testDN, 2)
	if d.Allowed || d.Count != 3 || d.Remaining != 0 {
		t.Fatalf("expected limited decision, got %+v", d)
	}
}

func TestRedisLimiterFallsBack(t *testing.T) {
	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond})
	l := NewRedis(dead, time.Minute)
	l.Allow(testDN, 1)
	if d := l.Allow(testDN, 1); d.Allowed {
		t.Fatalf("fallback limiter should enforce the limit: %+v", d)
	}
}

func TestNilClientUsesFallback(t *testing.T) {
	l := NewRedis(nil, time.Minute)
	if d := l.Allow(testDN, 5); !d.Allowed {
		t.Fatalf("decision = %+v", d)
	}
}
