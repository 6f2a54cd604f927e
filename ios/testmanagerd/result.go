package testmanagerd

import (
	"fmt"

	"go.ioshost.dev/ioshost/ios/dtx"
)

// TestResult is one _XCT_testSuite:didFinishAt:runCount:withFailures:
// unexpected:testDuration:totalDuration: notification, one per test suite
// that finished during the session.
type TestResult struct {
	Suite          string
	FinishedAt     string
	RunCount       int
	FailureCount   int
	UnexpectedCount int
	TestDuration   float64
	TotalDuration  float64
}

// String renders a TestResult the way a test report line reads.
func (r TestResult) String() string {
	return fmt.Sprintf("%s: ran=%d failures=%d unexpected=%d duration=%.3fs",
		r.Suite, r.RunCount, r.FailureCount, r.UnexpectedCount, r.TestDuration)
}

// parseTestResult decodes a _XCT_testSuite:... notification's arguments
// into a TestResult. The selector's seven arguments are, in order: suite
// name, finishedAt, runCount, failureCount, unexpectedCount, testDuration,
// totalDuration.
func parseTestResult(msg *dtx.Message) (TestResult, bool) {
	if len(msg.Args) < 7 {
		return TestResult{}, false
	}
	suite, ok := msg.Args[0].(string)
	if !ok {
		return TestResult{}, false
	}
	finishedAt, _ := msg.Args[1].(string)
	run, _ := toInt(msg.Args[2])
	failures, _ := toInt(msg.Args[3])
	unexpected, _ := toInt(msg.Args[4])
	testDuration, _ := toFloat(msg.Args[5])
	totalDuration, _ := toFloat(msg.Args[6])
	return TestResult{
		Suite:           suite,
		FinishedAt:      finishedAt,
		RunCount:        run,
		FailureCount:    failures,
		UnexpectedCount: unexpected,
		TestDuration:    testDuration,
		TotalDuration:   totalDuration,
	}, true
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// anyFailed reports whether any result recorded a nonzero failure count,
// the condition XCUITest surfaces to the caller as TestFailure.
func anyFailed(results []TestResult) bool {
	for _, r := range results {
		if r.FailureCount > 0 {
			return true
		}
	}
	return false
}
