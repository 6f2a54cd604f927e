package testmanagerd

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"go.ioshost.dev/ioshost/ios/plist"
)

// xctestConfigTmpDir is where the runner expects its XCTestConfiguration
// staged, inside its own app container.
const xctestConfigTmpDir = "/tmp"

// xctestConfigPath returns the device-side path (relative to the app
// container root) the runner's XCTestConfigurationFilePath environment
// variable points at: /tmp/<TargetName>-<UPPER(UUID)>.xctestconfiguration.
func xctestConfigPath(targetName string, sessionID uuid.UUID) string {
	return xctestConfigTmpDir + "/" + targetName + "-" + strings.ToUpper(sessionID.String()) + ".xctestconfiguration"
}

// pushXCTestConfiguration vends bundleID's app container via house_arrest,
// removes any stale *.xctestconfiguration files left under /tmp by a prior
// run, and writes content at path.
func pushXCTestConfiguration(ctx context.Context, s session, bundleID, path string, content []byte) error {
	afc, err := vendContainer(ctx, s, bundleID)
	if err != nil {
		return err
	}
	defer afc.Close()

	names, err := afc.listDir(xctestConfigTmpDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if strings.HasSuffix(name, ".xctestconfiguration") {
			if err := afc.removeFile(xctestConfigTmpDir + "/" + name); err != nil {
				return err
			}
		}
	}

	return afc.writeFile(path, content)
}

// buildXCTestConfiguration assembles the archived XCTestConfiguration
// payload for one XCUITest session.
func buildXCTestConfiguration(sessionID uuid.UUID, params Params, testBundleURL string) ([]byte, error) {
	return plist.BuildXCTestConfiguration(plist.XCTestConfig{
		SessionIdentifier:         sessionID,
		TestBundleURL:             testBundleURL,
		TestsToRun:                params.TestsToRun,
		TargetApplicationBundleID: params.TargetApplicationBundleID,
		TargetApplicationPath:     params.TargetApplicationPath,
		AutomationFrameworkPath:   automationFrameworkPath,
		ReportActivities:          true,
		ReportResultsToIDE:        true,
		TestsDrivenByIDE:          false,
	})
}

// automationFrameworkPath is the fixed on-device path XCTestConfiguration
// always points automationFrameworkPath at.
const automationFrameworkPath = "/Developer/Library/PrivateFrameworks/XCTAutomationSupport.framework"
