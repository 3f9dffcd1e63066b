package security

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/chrisburr/DIRAC/pkg/config"
	"github.com/chrisburr/DIRAC/pkg/store"
)

func makeCert(t *testing.T, subject pkix.Name) *x509.Certificate {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func aliceCert(t *testing.T) *x509.Certificate {
	return makeCert(t, pkix.Name{
		Country:      []string{"CH"},
		Organization: []string{"Grid"},
		CommonName:   "alice",
	})
}

func registryStore() *config.Store {
	return config.New(map[string]any{
		"Registry/Users/alice/DN":         "/C=CH/O=Grid/CN=alice",
		"Registry/Groups/prod/Users":      []any{"alice"},
		"Registry/Groups/prod/Properties": []any{"NormalUser", "JobAdministrator"},
	})
}

func TestExtractEmptyChain(t *testing.T) {
	e := &Extractor{}
	if _, err := e.Extract(nil, ""); !errors.Is(err, ErrMalformedChain) {
		t.Fatalf("expected ErrMalformedChain, got %v", err)
	}
}

func TestExtractFormatsSlashDN(t *testing.T) {
	e := &Extractor{}
	id, err := e.Extract([]*x509.Certificate{aliceCert(t)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if id.DN != "/C=CH/O=Grid/CN=alice" {
		t.Fatalf("DN = %q", id.DN)
	}
	if !id.Authenticated() {
		t.Fatal("identity with DN must be authenticated")
	}
}

func TestExtractSkipsProxyLeaf(t *testing.T) {
	proxy := makeCert(t, pkix.Name{Organization: []string{"Grid"}, CommonName: "proxy"})
	e := &Extractor{Registry: NewRegistry(registryStore(), nil)}
	id, err := e.Extract([]*x509.Certificate{proxy, aliceCert(t)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if id.DN != "/C=CH/O=Grid/CN=alice" {
		t.Fatalf("DN = %q, proxy leaf not skipped", id.DN)
	}
	if id.Username != "alice" || id.Group != "prod" {
		t.Fatalf("registry resolution failed: %+v", id)
	}
}

func TestExtractAllProxies(t *testing.T) {
	proxy := makeCert(t, pkix.Name{CommonName: "limited proxy"})
	e := &Extractor{}
	if _, err := e.Extract([]*x509.Certificate{proxy}, ""); !errors.Is(err, ErrMalformedChain) {
		t.Fatalf("expected ErrMalformedChain, got %v", err)
	}
}

func TestExtractRegistryProperties(t *testing.T) {
	e := &Extractor{Registry: NewRegistry(registryStore(), nil)}
	id, err := e.Extract([]*x509.Certificate{aliceCert(t)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(id.Properties) != 2 || id.Properties[0] != "NormalUser" {
		t.Fatalf("properties = %v", id.Properties)
	}
}

func TestExtractUnknownDNStillAuthenticated(t *testing.T) {
	e := &Extractor{Registry: NewRegistry(config.New(map[string]any{}), nil)}
	id, err := e.Extract([]*x509.Certificate{aliceCert(t)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !id.Authenticated() || id.Username != "" || id.Group != "" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestExtraCredentialsMergeNeverOverrides(t *testing.T) {
	e := &Extractor{}
	id, err := e.Extract([]*x509.Certificate{aliceCert(t)},
		`{"DN": "/O=Evil/CN=mallory", "vo": "lhcb", "pilot": true}`)
	if err != nil {
		t.Fatal(err)
	}
	if id.DN != "/C=CH/O=Grid/CN=alice" {
		t.Fatalf("extraCredentials overrode the verified DN: %q", id.DN)
	}
	if id.Extra["vo"] != "lhcb" || id.Extra["pilot"] != true {
		t.Fatalf("extra claims not merged: %v", id.Extra)
	}
	if _, present := id.Extra["DN"]; present {
		t.Fatalf("DN claim must be stripped from extras: %v", id.Extra)
	}
}

func TestExtraCredentialsOpaqueString(t *testing.T) {
	e := &Extractor{}
	id, err := e.Extract([]*x509.Certificate{aliceCert(t)}, "hosts")
	if err != nil {
		t.Fatal(err)
	}
	if id.Extra["value"] != "hosts" {
		t.Fatalf("extra = %v", id.Extra)
	}
}

func TestRegistryCachesResolutions(t *testing.T) {
	cache := store.NewMemoryCache()
	r := NewRegistry(registryStore(), cache)
	user, ok := r.Resolve("/C=CH/O=Grid/CN=alice")
	if !ok || user.Name != "alice" {
		t.Fatalf("resolve = %+v, %v", user, ok)
	}
	if _, err := cache.Get(context.Background(), "registry:/C=CH/O=Grid/CN=alice"); err != nil {
		t.Fatalf("resolution not cached: %v", err)
	}
	// Second call must be served from the cache and agree.
	again, ok := r.Resolve("/C=CH/O=Grid/CN=alice")
	if !ok || again.Group != "prod" {
		t.Fatalf("cached resolve = %+v, %v", again, ok)
	}
}

func TestResolveUnknownDN(t *testing.T) {
	r := NewRegistry(registryStore(), nil)
	if _, ok := r.Resolve("/C=CH/O=Grid/CN=nobody"); ok {
		t.Fatal("unknown DN must not resolve")
	}
}
