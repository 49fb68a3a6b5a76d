package idgen

import "testing"

func TestGenerateLength(t *testing.T) {
	for _, n := range []int{0, 1, 4, 8, 16} {
		s := Generate(n)
		if len(s) != n {
			t.Fatalf("Generate(%d) returned length %d", n, len(s))
		}
	}
}

func TestGenerateAlphabet(t *testing.T) {
	s := Generate(256)
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			t.Fatalf("unexpected character %q in generated id", c)
		}
	}
}

func TestGenerateUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := MessageID()
		if seen[id] {
			t.Fatalf("collision after %d draws: %q", i, id)
		}
		seen[id] = true
	}
}

func TestMissionCodeLength(t *testing.T) {
	if len(MissionCode()) != 6 {
		t.Fatalf("MissionCode should be 6 chars")
	}
	if len(MessageID()) != 8 {
		t.Fatalf("MessageID should be 8 chars")
	}
}

func TestCorrelatorShapeAndLength(t *testing.T) {
	c := Correlator()
	if len(c) != 4 {
		t.Fatalf("Correlator should be 4 chars, got %d", len(c))
	}
	for _, ch := range c {
		if !((ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9')) {
			t.Fatalf("unexpected character %q in correlator", ch)
		}
	}
}

func TestRandomGroupLength(t *testing.T) {
	g := RandomGroup()
	if len(g) != 8 {
		t.Fatalf("RandomGroup should be 8 chars, got %d", len(g))
	}
}

func TestHostMacShape(t *testing.T) {
	mac := HostMac("")
	parts := 1
	for _, c := range mac {
		if c == ':' {
			parts++
		}
	}
	if parts != 6 {
		t.Fatalf("HostMac(\"\") should have 6 colon-separated groups, got %q", mac)
	}

	withRole := HostMac("FileNode")
	if len(withRole) <= len(mac) {
		t.Fatalf("HostMac with role should append a role suffix, got %q", withRole)
	}
}
