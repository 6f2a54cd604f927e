package testmanagerd

import (
	"context"

	"go.ioshost.dev/ioshost/internal/logging"
	"go.ioshost.dev/ioshost/ios/dtx"
	"go.ioshost.dev/ioshost/ios/instruments"
	"go.ioshost.dev/ioshost/ios/plist"
)

// AppInfo is the subset of an installed app's installation_proxy lookup
// record that launching a test runner needs: its on-device path, its
// private data container, and its main binary name. Resolving this from a
// bundle identifier is a lockdown/installation_proxy concern that belongs
// to the ios facade, not to this package; callers pass an already-resolved
// AppInfo in.
type AppInfo struct {
	Path               string
	Container          string
	CFBundleExecutable string
}

// atLeast reports whether s's iOS version satisfies constraint (false on a
// version error); it gates the extra environment/options the original
// implementation only sends on newer iOS releases.
func atLeast(s session, constraint string) bool {
	ok, err := s.AtLeast(constraint)
	return err == nil && ok
}

// launchEnvironment builds the environment variables
// launchSuspendedProcessWithDevicePath:... sends for a test runner app,
// matching the original implementation's _launch_wda_app field-for-field,
// including the iOS-version-gated extras.
func launchEnvironment(s session, info AppInfo, xctestConfigPath string, extra map[string]string) map[string]string {
	env := map[string]string{
		"CA_ASSERT_MAIN_THREAD_TRANSACTIONS":    "0",
		"CA_DEBUG_TRANSACTIONS":                 "0",
		"DYLD_FRAMEWORK_PATH":                   info.Path + "/Frameworks:",
		"DYLD_LIBRARY_PATH":                     info.Path + "/Frameworks",
		"MTC_CRASH_ON_REPORT":                   "1",
		"NSUnbufferedIO":                        "YES",
		"SQLITE_ENABLE_THREAD_ASSERTIONS":       "1",
		"WDA_PRODUCT_BUNDLE_IDENTIFIER":         "",
		"XCTestBundlePath":                      info.Path + "/PlugIns/" + targetName(info) + ".xctest",
		"XCTestConfigurationFilePath":           info.Container + xctestConfigPath,
		"XCODE_DBG_XPC_EXCLUSIONS":              "com.apple.dt.xctestSymbolicator",
		"MJPEG_SERVER_PORT":                     "",
		"USE_PORT":                              "",
		"LLVM_PROFILE_FILE":                     info.Container + "/tmp/%p.profraw",
	}
	for k, v := range extra {
		env[k] = v
	}
	if atLeast(s, ">= 11.0.0") {
		env["DYLD_INSERT_LIBRARIES"] = "/Developer/usr/lib/libMainThreadChecker.dylib"
		env["OS_ACTIVITY_DT_MODE"] = "YES"
	}
	return env
}

// launchArguments builds the command-line arguments the test runner always
// receives, plus any caller-supplied extras.
func launchArguments(extra []string) []string {
	args := []string{"-NSTreatUnknownArgumentsAsOpen", "NO", "-ApplePersistenceIgnoreState", "YES"}
	return append(args, extra...)
}

// launchOptions builds the options dictionary for launchSuspendedProcess...,
// gating ActivateSuspended on iOS >= 12.
func launchOptions(s session) *plist.Dict {
	d := plist.NewDict().Set("StartSuspendedKey", false)
	if atLeast(s, ">= 12.0.0") {
		d.Set("ActivateSuspended", true)
	}
	return d
}

// targetName strips the "-Runner" suffix every XCUITest runner's
// CFBundleExecutable carries, recovering the .xctest bundle's base name.
func targetName(info AppInfo) string {
	const suffix = "-Runner"
	if len(info.CFBundleExecutable) > len(suffix) && info.CFBundleExecutable[len(info.CFBundleExecutable)-len(suffix):] == suffix {
		return info.CFBundleExecutable[:len(info.CFBundleExecutable)-len(suffix)]
	}
	return info.CFBundleExecutable
}

// launchRunner opens a fresh instruments connection, launches the runner
// app suspended with the environment/arguments/options XCUITest requires,
// starts observing its pid, and wires output/log notifications to fn.
func launchRunner(ctx context.Context, s session, info AppInfo, bundleID string, env map[string]string, args []string, onOutput func(*dtx.Message)) (*instruments.ProcessControl, int, error) {
	svc, err := instrumentsService(s)
	if err != nil {
		return nil, 0, err
	}
	conn, err := s.StartServiceWithMount(ctx, svc)
	if err != nil {
		return nil, 0, err
	}
	dtxConn := dtx.Open(ctx, conn)

	pc, err := instruments.StartProcessControl(ctx, dtxConn)
	if err != nil {
		dtxConn.Close()
		return nil, 0, err
	}

	// A prelaunch existence check, matching the original's unconditional
	// (and otherwise unused) processIdentifierForBundleIdentifier: call.
	_, _ = pc.ProcessIdentifierForBundleIdentifier(ctx, bundleID)

	pid, err := pc.LaunchSuspended(ctx, info.Path, bundleID, env, args, launchOptions(s))
	if err != nil {
		dtxConn.Close()
		return nil, 0, err
	}
	logging.Infof(ctx, "testmanagerd: launched %s pid=%d", bundleID, pid)

	if err := pc.ObserveExit(ctx, pid); err != nil {
		dtxConn.Close()
		return nil, 0, err
	}
	if onOutput != nil {
		pc.RegisterOutputCallback("outputReceived:fromProcess:atTime:", onOutput)
	}
	return pc, pid, nil
}
