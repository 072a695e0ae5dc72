package tcp

import (
	"errors"
	"testing"

	"github.com/flowstack/tcpcore/config"
)

func TestSocketCapsPerUser(t *testing.T) {
	cfg := config.Default()
	cfg.MaxSocketsPerUser = 2
	cfg.MaxSocketsSystemWide = 10
	caps := NewSocketCaps(cfg)
	if err := caps.Acquire("alice"); err != nil {
		t.Fatal(err)
	}
	if err := caps.Acquire("alice"); err != nil {
		t.Fatal(err)
	}
	if err := caps.Acquire("alice"); !errors.Is(err, ErrTooManyOpenFiles) {
		t.Fatalf("third acquire = %v, want EMFILE", err)
	}
	// Another user is unaffected by alice's cap.
	if err := caps.Acquire("bob"); err != nil {
		t.Fatalf("bob blocked by alice's cap: %v", err)
	}
	caps.Release("alice")
	if err := caps.Acquire("alice"); err != nil {
		t.Fatalf("acquire after release = %v", err)
	}
}

func TestSocketCapsSystemWide(t *testing.T) {
	cfg := config.Default()
	cfg.MaxSocketsPerUser = 10
	cfg.MaxSocketsSystemWide = 3
	caps := NewSocketCaps(cfg)
	for i, user := range []string{"a", "b", "c"} {
		if err := caps.Acquire(user); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := caps.Acquire("d"); !errors.Is(err, ErrFileTableOverflow) {
		t.Fatalf("over-system acquire = %v, want ENFILE", err)
	}
	if caps.InUse() != 3 {
		t.Fatalf("InUse = %d, want 3", caps.InUse())
	}
	caps.Release("a")
	if err := caps.Acquire("d"); err != nil {
		t.Fatalf("acquire after release = %v", err)
	}
}
