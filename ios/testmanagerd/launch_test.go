package testmanagerd

import (
	"context"
	"strings"
	"testing"

	"github.com/Masterminds/semver"

	"go.ioshost.dev/ioshost/ios/transport"
)

// versionFakeSession is a minimal session whose AtLeast/ProductVersion
// behave like a real lockdown.Session pinned to a fixed iOS version; tests
// that never need StartServiceWithMount to actually dial leave it nil.
type versionFakeSession struct {
	version string
	start   func(ctx context.Context, name string) (*transport.Conn, error)
}

func (f *versionFakeSession) ProductVersion() string { return f.version }

func (f *versionFakeSession) AtLeast(constraint string) (bool, error) {
	parts := strings.Split(f.version, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	v, err := semver.NewVersion(strings.Join(parts[:3], "."))
	if err != nil {
		return false, err
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

func (f *versionFakeSession) StartServiceWithMount(ctx context.Context, name string) (*transport.Conn, error) {
	return f.start(ctx, name)
}

func TestLaunchEnvironmentGatesMainThreadCheckerOnIOS11(t *testing.T) {
	info := AppInfo{Path: "/apps/WDA", Container: "/containers/WDA", CFBundleExecutable: "WebDriverAgentRunner-Runner"}

	old := &versionFakeSession{version: "10.3"}
	env := launchEnvironment(old, info, "/tmp/foo.xctestconfiguration", nil)
	if _, ok := env["DYLD_INSERT_LIBRARIES"]; ok {
		t.Error("iOS 10.3 should not get DYLD_INSERT_LIBRARIES")
	}

	newer := &versionFakeSession{version: "14.4"}
	env = launchEnvironment(newer, info, "/tmp/foo.xctestconfiguration", nil)
	if env["DYLD_INSERT_LIBRARIES"] != "/Developer/usr/lib/libMainThreadChecker.dylib" {
		t.Error("iOS 14.4 should set DYLD_INSERT_LIBRARIES")
	}
	if env["OS_ACTIVITY_DT_MODE"] != "YES" {
		t.Error("iOS 14.4 should set OS_ACTIVITY_DT_MODE")
	}
	if env["XCTestBundlePath"] != "/apps/WDA/PlugIns/WebDriverAgentRunner.xctest" {
		t.Errorf("XCTestBundlePath = %q", env["XCTestBundlePath"])
	}
	if env["XCTestConfigurationFilePath"] != "/containers/WDA/tmp/foo.xctestconfiguration" {
		t.Errorf("XCTestConfigurationFilePath = %q", env["XCTestConfigurationFilePath"])
	}
}

func TestLaunchEnvironmentExtraOverridesDefaults(t *testing.T) {
	info := AppInfo{Path: "/apps/WDA", Container: "/containers/WDA", CFBundleExecutable: "WDA-Runner"}
	s := &versionFakeSession{version: "13.0"}
	env := launchEnvironment(s, info, "/tmp/x.xctestconfiguration", map[string]string{"USE_PORT": "8100"})
	if env["USE_PORT"] != "8100" {
		t.Errorf("USE_PORT = %q, want extra override to apply", env["USE_PORT"])
	}
}

func TestLaunchArgumentsPrependsFixedFlags(t *testing.T) {
	got := launchArguments([]string{"-extra"})
	want := []string{"-NSTreatUnknownArgumentsAsOpen", "NO", "-ApplePersistenceIgnoreState", "YES", "-extra"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLaunchOptionsGatesActivateSuspendedOnIOS12(t *testing.T) {
	old := &versionFakeSession{version: "11.4"}
	if _, ok := launchOptions(old).Get("ActivateSuspended"); ok {
		t.Error("iOS 11.4 should not set ActivateSuspended")
	}
	newer := &versionFakeSession{version: "12.0"}
	v, ok := launchOptions(newer).Get("ActivateSuspended")
	if !ok || v != true {
		t.Error("iOS 12.0 should set ActivateSuspended=true")
	}
}

func TestTargetNameStripsRunnerSuffix(t *testing.T) {
	if got := targetName(AppInfo{CFBundleExecutable: "WebDriverAgentRunner-Runner"}); got != "WebDriverAgentRunner" {
		t.Errorf("targetName = %q", got)
	}
	if got := targetName(AppInfo{CFBundleExecutable: "SomeOtherBinary"}); got != "SomeOtherBinary" {
		t.Errorf("targetName without -Runner suffix changed unexpectedly: %q", got)
	}
}
