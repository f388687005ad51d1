// Package classify turns the captured output of a remote test program into
// passed and failed counts.
//
// The test programs print one [OK] or [FAIL] token per check and finish with
// a summary line. Output that never reaches the summary, or a program that
// exits non-zero, is counted as a single failure.
package classify

import "strings"

const (
	// PassToken marks one passed check in normalized output
	PassToken = "[OK]"
	// FailToken marks one failed check in normalized output
	FailToken = "[FAIL]"

	passedSentinel = "All tests passed!"
	failedSentinel = " test(s) failed!"
)

// Counts is the classification of one test execution
type Counts struct {
	Passed int
	Failed int

	// Dummy is set when the counts are the fallback rather than parsed output
	Dummy bool
}

// Fallback is recorded for crashed, timed out or truncated executions
var Fallback = Counts{Passed: 0, Failed: 1, Dummy: true}

// IsFallback reports whether c is the dummy-failure fallback. Parsed output
// with one failed check has the same counts but is not a fallback.
func (c Counts) IsFallback() bool {
	return c.Dummy
}

// HasSummary reports whether output contains one of the summary sentinels
func HasSummary(output string) bool {
	return strings.Contains(output, passedSentinel) || strings.Contains(output, failedSentinel)
}

// Classify counts the pass and fail tokens of normalized output. Token counts
// are trusted only when the program exited 0 and printed its summary.
func Classify(output string, exitStatus int) Counts {
	if exitStatus != 0 || !HasSummary(output) {
		return Fallback
	}

	return Counts{
		Passed: strings.Count(output, PassToken),
		Failed: strings.Count(output, FailToken),
	}
}
