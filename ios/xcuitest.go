package ios

import (
	"context"

	"go.ioshost.dev/ioshost/ios/testmanagerd"
)

// XCUITestOptions is the caller-facing shape of an xcuitest() invocation:
// bundle identifiers rather than an already-resolved AppInfo, since
// resolving those via installation_proxy is this package's job, not
// ios/testmanagerd's (see that package's own design notes on the split).
type XCUITestOptions struct {
	// RunnerBundleID is the XCUITest runner app's bundle identifier
	// (e.g. a WebDriverAgent-style *.xctrunner bundle).
	RunnerBundleID string
	// TargetApplicationBundleID is the app under test, unset for a
	// standalone runner that drives the whole device.
	TargetApplicationBundleID string
	TestsToRun                []string
	TestRunnerEnv             map[string]string
	TestRunnerArgs            []string
}

// XCUITest resolves RunnerBundleID (and TargetApplicationBundleID, if set)
// through installation_proxy, then drives the full testmanagerd/instruments
// orchestration to completion, returning the recorded test results.
func (d *DeviceHandle) XCUITest(ctx context.Context, opts XCUITestOptions) ([]testmanagerd.TestResult, error) {
	info, err := d.Lookup(ctx, opts.RunnerBundleID)
	if err != nil {
		return nil, err
	}

	var targetPath string
	if opts.TargetApplicationBundleID != "" {
		targetInfo, err := d.Lookup(ctx, opts.TargetApplicationBundleID)
		if err != nil {
			return nil, err
		}
		targetPath = targetInfo.Path
	}

	return testmanagerd.Run(ctx, d.session, testmanagerd.Params{
		BundleID:                  opts.RunnerBundleID,
		App:                       info,
		TargetApplicationBundleID: opts.TargetApplicationBundleID,
		TargetApplicationPath:     targetPath,
		TestsToRun:                opts.TestsToRun,
		TestRunnerEnv:             opts.TestRunnerEnv,
		TestRunnerArgs:            opts.TestRunnerArgs,
	})
}
