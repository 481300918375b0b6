package capture

import "testing"

func TestIsVirtualName(t *testing.T) {
	cases := map[string]bool{
		"eth0":     false,
		"en0":      false,
		"docker0":  true,
		"br-abcd":  true,
		"veth1234": true,
		"tun0":     true,
		"tap0":     true,
		"wg0":      true,
		"bond0":    true,
		"cni0":     true,
	}
	for name, want := range cases {
		if got := isVirtualName(name); got != want {
			t.Errorf("isVirtualName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSelectInterfaces_ExplicitOverridesFilter(t *testing.T) {
	explicit := []string{"docker0", "veth123"}
	got, err := SelectInterfaces(explicit, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "docker0" || got[1] != "veth123" {
		t.Fatalf("expected explicit list to pass through unfiltered, got %v", got)
	}
}

func TestBackoff_StartsLowAndCapsAtFiveSeconds(t *testing.T) {
	b := newBackoff()
	first := b.next()
	if first.Seconds() != 0.25 {
		t.Fatalf("expected initial backoff of 250ms, got %v", first)
	}
	var last = first
	for i := 0; i < 20; i++ {
		last = b.next()
	}
	if last.Seconds() != 5 {
		t.Fatalf("expected backoff to cap at 5s, got %v", last)
	}
}

func TestBackoff_ResetReturnsToInitialValue(t *testing.T) {
	b := newBackoff()
	b.next()
	b.next()
	b.reset()
	if got := b.next(); got.Seconds() != 0.25 {
		t.Fatalf("expected reset backoff of 250ms, got %v", got)
	}
}
