package classify

import "testing"

func TestClassify(t *testing.T) {
	c := Default()
	cases := []struct {
		line  string
		build bool
		want  Verdict
	}{
		{"Build FAILED.", true, Failed},
		{"error: step failed", true, Failed},
		{"tests fail here", true, Failed},
		{"FAIL", true, Failed},
		{"Build succeeded.", true, OK},
		{"failure in module", true, OK},
		{"unfailed", true, OK},
		{"failsafe mode", true, OK},
		{"Failed: 0, Passed: 12, Skipped: 0", true, OK},
		{"Total tests: 12. 0 failed", true, OK},
		{"Failed: 3, Passed: 9", true, Failed},
		{"2 failed", true, Failed},
		{"Failed: 0 but Build FAILED", true, Failed},
		{"Build FAILED.", false, OK},
		{"", true, OK},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.line, tc.build); got != tc.want {
			t.Errorf("Classify(%q, %v) = %v, want %v", tc.line, tc.build, got, tc.want)
		}
	}
}

func TestIgnoreDisabled(t *testing.T) {
	c, err := New(Config{Ignore: "-"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Classify("Failed: 0", true) != Failed {
		t.Fatalf("without ignore pattern the keyword should match")
	}
}

func TestCustomPatterns(t *testing.T) {
	c, err := New(Config{Failure: `(?i)\berror\b`})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Classify("CS1002: error ; expected", true) != Failed {
		t.Fatalf("custom failure pattern not used")
	}
	if c.Classify("Build FAILED.", true) != OK {
		t.Fatalf("default pattern should be replaced")
	}
	if _, err := New(Config{Failure: "("}); err == nil {
		t.Fatalf("expected compile error")
	}
	if _, err := New(Config{Ignore: "["}); err == nil {
		t.Fatalf("expected compile error for ignore")
	}
}

func TestVerdictString(t *testing.T) {
	if OK.String() != "ok" || Failed.String() != "failed" {
		t.Fatalf("unexpected verdict strings")
	}
}
