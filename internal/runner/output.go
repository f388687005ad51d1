package runner

import "strings"

// The test framework overwrites a "..." progress marker with a colored
// verdict using three backspaces
var verdictReplacer = strings.NewReplacer(
	"...\b\b\b\x1b[0;32m[OK]\x1b[0m", "[OK]",
	"...\b\b\b\x1b[0;31m[FAIL]\x1b[0m", "[FAIL]",
)

// CombineOutput joins stdout and stderr, in that order, and strips the
// terminal control sequences around verdict tokens
func CombineOutput(stdout, stderr []byte) string {
	var b strings.Builder
	b.Grow(len(stdout) + len(stderr))
	b.Write(stdout)
	b.Write(stderr)
	return Normalize(b.String())
}

// Normalize rewrites colored verdicts into plain [OK] and [FAIL] tokens
func Normalize(output string) string {
	return verdictReplacer.Replace(output)
}
