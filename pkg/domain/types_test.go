package domain

import "testing"

func TestParseFormatNameRoundTrip(t *testing.T) {
	cases := []struct {
		env    string
		class  NameClass
		suffix string
	}{
		{"DevEnv", ClassInit, "abcdef12"},
		{"DevEnv", ClassReady, "00000000"},
		{"Prod", ClassFault, "deadbeef"},
	}
	for _, c := range cases {
		name := FormatName(c.env, c.class, c.suffix)
		parsed, ok := ParseName(name)
		if !ok {
			t.Fatalf("ParseName(%q) failed to parse a name we just formatted", name)
		}
		if parsed.Env != c.env || parsed.Class != c.class || parsed.Suffix != c.suffix {
			t.Fatalf("round trip mismatch for %q: got %+v, want %+v", name, parsed, c)
		}
	}
}

func TestParseNameRejectsUnknownShape(t *testing.T) {
	bad := []string{
		"",
		"VMInit_abcdef12",
		"[Env] VMInit_ABCDEF12",
		"[Env] VMUnknown_abcdef12",
		"[Env] VMInit_abc",
	}
	for _, name := range bad {
		if _, ok := ParseName(name); ok {
			t.Errorf("ParseName(%q) unexpectedly succeeded", name)
		}
	}
}

func TestHex8DerivedFromJobID(t *testing.T) {
	task := NewCloneTask()
	hex := task.Hex8()
	if len(hex) != 8 {
		t.Fatalf("expected 8 hex chars, got %q", hex)
	}
	if hex != task.JobID.String()[:8] {
		t.Fatalf("Hex8 not derived from JobID string prefix")
	}
}

func TestCreationTimestampUnknownByDefault(t *testing.T) {
	var c CreationTimestamp
	if c.IsKnown() {
		t.Fatalf("zero-value CreationTimestamp should be unknown")
	}
	if Unknown().IsKnown() {
		t.Fatalf("Unknown() should report unknown")
	}
}
