package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.FlowBuckets != 65536 {
		t.Fatalf("flow buckets = %d, want 65536", cfg.FlowBuckets)
	}
	if cfg.MaxRTX != 5 {
		t.Fatalf("max rtx = %d, want 5", cfg.MaxRTX)
	}
}

func TestLoadOverlaysDefault(t *testing.T) {
	src := []byte("max_rtx: 3\nkeepalive_max: 4\n")
	cfg, err := Load(src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRTX != 3 {
		t.Fatalf("max rtx = %d, want 3", cfg.MaxRTX)
	}
	if cfg.KeepaliveMax != 4 {
		t.Fatalf("keepalive max = %d, want 4", cfg.KeepaliveMax)
	}
	if cfg.RTOInit != Default().RTOInit {
		t.Fatalf("unrelated field RTOInit should keep its default, got %s", cfg.RTOInit)
	}
}

func TestLoadRejectsBadBounds(t *testing.T) {
	_, err := Load([]byte("rmem: 16\n"))
	if err == nil {
		t.Fatal("expected error for rmem below buffer_min")
	}
}

func TestLoadRejectsNonPow2FlowBuckets(t *testing.T) {
	_, err := Load([]byte("flow_buckets: 100\n"))
	if err == nil {
		t.Fatal("expected error for non power-of-two flow_buckets")
	}
}
