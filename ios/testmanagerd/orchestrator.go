package testmanagerd

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/internal/logging"
	"go.ioshost.dev/ioshost/ios/dtx"
	"go.ioshost.dev/ioshost/ios/plist"
)

// Params is everything the caller supplies about the test run: which
// runner to launch, which app (if any) it drives, and what to run.
type Params struct {
	// BundleID is the xctrunner app's bundle identifier.
	BundleID string
	// App is the xctrunner app's resolved installation_proxy info.
	App AppInfo
	// TargetApplicationBundleID is the app under test's bundle id, unset
	// for a standalone WDA-style runner.
	TargetApplicationBundleID string
	TargetApplicationPath     string
	TestsToRun                []string
	TestRunnerEnv             map[string]string
	TestRunnerArgs            []string
}

// xctestClientIDSuffix is the literal suffix every real Xcode session
// appends to the session UUID to form the synthetic client identifier
// passed to _IDE_initiateSessionWithIdentifier:forClient:atPath:
// protocolVersion:. Its fields are unproven (spec.md records this), but it
// is what real Xcode sends, so it is carried forward unchanged.
const xctestClientIDSuffix = "-6722-000247F15966B083"

const xcodebuildPath = "/Applications/Xcode.app/Contents/Developer/usr/bin/xcodebuild"

// Run launches params.App as an XCUITest runner, drives the testmanagerd
// protocol to completion, and returns the test results the session
// recorded. It blocks until either DTX connection finishes (the runner
// exits or the session otherwise tears down) or ctx is canceled.
func Run(ctx context.Context, s session, params Params) ([]TestResult, error) {
	sessionID := uuid.New()

	x1Service, err := testmanagerdService(s)
	if err != nil {
		return nil, err
	}
	x1Raw, err := s.StartServiceWithMount(ctx, x1Service)
	if err != nil {
		return nil, err
	}
	x1 := dtx.Open(ctx, x1Raw)
	defer x1.Close()

	x2Raw, err := s.StartServiceWithMount(ctx, x1Service)
	if err != nil {
		return nil, err
	}
	x2 := dtx.Open(ctx, x2Raw)
	defer x2.Close()

	x1Chan, err := x1.RequestChannel(ctx, daemonChannelLabel)
	if err != nil {
		return nil, err
	}
	if atLeast(s, ">= 11.0.0") {
		if _, err := x1.Call(ctx, x1Chan, "_IDE_initiateControlSessionWithProtocolVersion:", int32(xcodeVersion)); err != nil {
			return nil, err
		}
	}

	x2Chan, err := x2.RequestChannel(ctx, daemonChannelLabel)
	if err != nil {
		return nil, err
	}

	var (
		resultsMu sync.Mutex
		results   []TestResult
		startOnce sync.Once
	)

	startExecuting := func() {
		startOnce.Do(func() {
			logging.Infof(ctx, "testmanagerd: starting test plan execution, protocol version %d", xcodeVersion)
			_ = x2.Notify(int32(-1), "_IDE_startExecutingTestPlanWithProtocolVersion:", int32(xcodeVersion))
		})
	}

	x2.RegisterSelectorCallback(x2Chan, "_XCT_testBundleReadyWithProtocolVersion:minimumVersion:", func(*dtx.Message) {
		startExecuting()
	})
	x2.RegisterSelectorCallback(x2Chan, "_XCT_logDebugMessage:", func(m *dtx.Message) {
		for _, a := range m.Args {
			if s, ok := a.(string); ok && strings.Contains(s, "Received test runner ready reply") {
				logging.Info(ctx, "testmanagerd: test runner ready detected via log message")
				startExecuting()
			}
		}
	})
	x2.RegisterSelectorCallback(x2Chan, "_XCT_testSuite:didFinishAt:runCount:withFailures:unexpected:testDuration:totalDuration:", func(m *dtx.Message) {
		r, ok := parseTestResult(m)
		if !ok {
			logging.Warnf(ctx, "testmanagerd: ignoring unparseable test result notification")
			return
		}
		resultsMu.Lock()
		results = append(results, r)
		resultsMu.Unlock()
	})

	targetName := targetName(params.App)
	testBundleURL := "file://" + params.App.Path + "/PlugIns/" + targetName + ".xctest"
	xctestConfig, err := buildXCTestConfiguration(sessionID, params, testBundleURL)
	if err != nil {
		return nil, err
	}
	devicePath := xctestConfigPath(targetName, sessionID)

	x2.RegisterSelectorCallback(x2Chan, "_XCT_testRunnerReadyWithCapabilities:", func(m *dtx.Message) {
		logging.Info(ctx, "testmanagerd: runner ready, sending XCTestConfiguration")
		if err := x2.Reply(m, xctestConfig); err != nil {
			logging.Errorf(ctx, "testmanagerd: replying with XCTestConfiguration: %v", err)
		}
	})

	clientID := sessionID.String() + xctestClientIDSuffix
	initResult, err := x2.Call(ctx, x2Chan, "_IDE_initiateSessionWithIdentifier:forClient:atPath:protocolVersion:",
		sessionID.String(), clientID, xcodebuildPath, int32(xcodeVersion))
	if err != nil {
		return nil, err
	}
	if containsNSError(initResult) {
		return nil, errors.NewProtocolError("testmanagerd: initiateSession failed: %v", initResult.Object)
	}

	if err := pushXCTestConfiguration(ctx, s, params.BundleID, devicePath, xctestConfig); err != nil {
		return nil, err
	}

	env := launchEnvironment(s, params.App, devicePath, params.TestRunnerEnv)
	args := launchArguments(params.TestRunnerArgs)
	pc, pid, err := launchRunner(ctx, s, params.App, params.BundleID, env, args, func(m *dtx.Message) {
		logging.Debugf(ctx, "testmanagerd: runner notification %q", m.Selector)
	})
	if err != nil {
		return nil, err
	}
	_ = pc

	// Must follow the launch within roughly 100ms or the runner fails to
	// attach; the version-gated selector mirrors the original
	// implementation's three-way branch.
	if err := authorizeTestSession(ctx, s, x1, x1Chan, pid); err != nil {
		return nil, err
	}

	select {
	case <-x1.Finished():
	case <-x2.Finished():
	case <-ctx.Done():
		return nil, errors.NewTimeout("testmanagerd session")
	}

	resultsMu.Lock()
	defer resultsMu.Unlock()
	if anyFailed(results) {
		return results, errors.NewTestFailure(resultStringers(results))
	}
	return results, nil
}

func authorizeTestSession(ctx context.Context, s session, x1 *dtx.Connection, x1Chan int32, pid int) error {
	switch {
	case atLeast(s, ">= 12.0.0"):
		_, err := x1.Call(ctx, x1Chan, "_IDE_authorizeTestSessionWithProcessID:", int32(pid))
		return err
	case !atLeast(s, ">= 10.0.0"):
		_, err := x1.Call(ctx, x1Chan, "_IDE_initiateControlSessionForTestProcessID:", int32(pid))
		return err
	default:
		_, err := x1.Call(ctx, x1Chan, "_IDE_initiateControlSessionForTestProcessID:protocolVersion:", int32(pid), int32(xcodeVersion))
		return err
	}
}

func containsNSError(m *dtx.Message) bool {
	obj, ok := m.Object.(*plist.ArchivedObject)
	return ok && obj.Class == plist.ClassNSError
}

func resultStringers(results []TestResult) []fmt.Stringer {
	out := make([]fmt.Stringer, len(results))
	for i, r := range results {
		out[i] = r
	}
	return out
}
