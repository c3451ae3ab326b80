package version

import (
	"strings"
	"testing"
)

func TestFullVersionContainsFields(t *testing.T) {
	Version = "1.2.3"
	GitCommit = "abcdef"
	BuildTime = "now"

	fv := FullVersion()
	for _, part := range []string{"1.2.3", "abcdef", "now"} {
		if !strings.Contains(fv, part) {
			t.Fatalf("full version %q missing %q", fv, part)
		}
	}
}
