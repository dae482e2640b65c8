package ssh

import (
	"testing"

	"github.com/hpg/hpg/pkg/inventory"
)

func TestParseHostSpec(t *testing.T) {
	cases := []struct {
		spec string
		user string
		host string
		port int
		err  bool
	}{
		{spec: "web1", host: "web1"},
		{spec: "deploy@web1", user: "deploy", host: "web1"},
		{spec: "web1:2222", host: "web1", port: 2222},
		{spec: "deploy@web1:2222", user: "deploy", host: "web1", port: 2222},
		{spec: "web1:notaport", err: true},
		{spec: "deploy@:22", err: true},
	}
	for _, tc := range cases {
		user, host, port, err := ParseHostSpec(tc.spec)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expected error", tc.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.spec, err)
			continue
		}
		if user != tc.user || host != tc.host || port != tc.port {
			t.Errorf("%q: got (%q, %q, %d), want (%q, %q, %d)",
				tc.spec, user, host, port, tc.user, tc.host, tc.port)
		}
	}
}

func TestResolveConfig_SpecOverridesInventory(t *testing.T) {
	inv := &inventory.Inventory{Hosts: map[string]inventory.Entry{
		"web1": {Host: "10.0.0.12", User: "deploy", Port: 2222, KeyPath: "/keys/a"},
	}}

	cfg, err := ResolveConfig("admin@web1:2200", inv)
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if cfg.Host != "10.0.0.12" {
		t.Errorf("host = %q, want inventory address", cfg.Host)
	}
	if cfg.User != "admin" {
		t.Errorf("user = %q, spec must override inventory", cfg.User)
	}
	if cfg.Port != 2200 {
		t.Errorf("port = %d, spec must override inventory", cfg.Port)
	}
	if cfg.PrivateKeyPath != "/keys/a" {
		t.Errorf("key = %q, want inventory key", cfg.PrivateKeyPath)
	}
}

func TestResolveConfig_UnknownAliasKeepsSpec(t *testing.T) {
	cfg, err := ResolveConfig("op@198.51.100.7", &inventory.Inventory{})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if cfg.Host != "198.51.100.7" || cfg.User != "op" || cfg.Port != 22 {
		t.Errorf("cfg = %+v", cfg)
	}
}
