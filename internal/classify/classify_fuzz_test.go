package classify

import (
	"strings"
	"testing"
)

func FuzzClassify(f *testing.F) {
	for _, s := range []string{"Build FAILED.", "Failed: 0", "0 failed", "ok", "fail fail", "Ünïcode failed"} {
		f.Add(s)
	}
	c := Default()
	f.Fuzz(func(t *testing.T, line string) {
		if c.Classify(line, false) != OK {
			t.Fatalf("non-build line classified as failure: %q", line)
		}
		v := c.Classify(line, true)
		if v == Failed && !strings.Contains(strings.ToLower(line), "fail") {
			t.Fatalf("failure without keyword: %q", line)
		}
	})
}
