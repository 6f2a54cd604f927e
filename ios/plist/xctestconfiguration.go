package plist

import (
	"sort"

	"github.com/google/uuid"
)

// XCTestConfig holds the parameters needed to build the XCTestConfiguration
// archive that the test runner receives as the raw-archive reply to
// _XCT_testRunnerReadyWithCapabilities:.
type XCTestConfig struct {
	SessionIdentifier            uuid.UUID
	TestBundleURL                string // file:// URL to the .xctest bundle
	TestsToRun                   []string
	TestsToSkip                  []string
	TargetApplicationBundleID    string
	TargetApplicationPath        string
	TargetApplicationArguments   []string
	TargetApplicationEnvironment map[string]string
	AutomationFrameworkPath      string
	ReportActivities             bool
	ReportResultsToIDE           bool
	TestsDrivenByIDE             bool
}

// BuildXCTestConfiguration archives cfg as the NSKeyedArchiver payload DTX
// sends as the object of a raw-archive message.
func BuildXCTestConfiguration(cfg XCTestConfig) ([]byte, error) {
	b := NewArchiveBuilder()

	uuidBytes := cfg.SessionIdentifier[:]
	uuidData := b.AddData(uuidBytes)
	sessionID := b.AddObject(ClassNSUUID, []string{"NSObject"}, NewDict().Set("NS.uuidbytes", uuidData))

	bundleURL := b.addFileURL(cfg.TestBundleURL)

	testsToRun := b.addStringSet(cfg.TestsToRun)
	testsToSkip := b.addStringSet(cfg.TestsToSkip)

	var targetBundleID, targetPath UID
	haveTarget := cfg.TargetApplicationBundleID != ""
	if haveTarget {
		targetBundleID = b.AddString(cfg.TargetApplicationBundleID)
		targetPath = b.AddString(cfg.TargetApplicationPath)
	}

	targetArgs := b.addStringArray(cfg.TargetApplicationArguments)
	targetEnv := b.addStringMap(cfg.TargetApplicationEnvironment)

	emptyStats := b.AddDictionary(nil, nil)
	automationPath := b.AddString(cfg.AutomationFrameworkPath)

	fields := NewDict()
	fields.Set("sessionIdentifier", sessionID)
	fields.Set("testBundleURL", bundleURL)
	fields.Set("testsToRun", testsToRun)
	fields.Set("testsToSkip", testsToSkip)
	if haveTarget {
		fields.Set("targetApplicationBundleID", targetBundleID)
		fields.Set("targetApplicationPath", targetPath)
	}
	fields.Set("targetApplicationArguments", targetArgs)
	fields.Set("targetApplicationEnvironment", targetEnv)
	fields.Set("testsMustRunOnMainThread", b.AddBool(true))
	fields.Set("aggregateStatisticsBeforeCrash", emptyStats)
	fields.Set("automationFrameworkPath", automationPath)
	fields.Set("reportActivities", b.AddBool(cfg.ReportActivities))
	fields.Set("reportResultsToIDE", b.AddBool(cfg.ReportResultsToIDE))
	fields.Set("testsDrivenByIDE", b.AddBool(cfg.TestsDrivenByIDE))

	root := b.AddObject(ClassXCTestConfiguration, []string{"NSObject"}, fields)
	return b.Build(root)
}

// addStringArray archives items as an NSArray of NSString.
func (b *ArchiveBuilder) addStringArray(items []string) UID {
	refs := make([]UID, len(items))
	for i, s := range items {
		refs[i] = b.AddString(s)
	}
	return b.AddArray(refs)
}

// addStringMap archives m as an NSDictionary of NSString to NSString,
// sorted by key so encoding is deterministic.
func (b *ArchiveBuilder) addStringMap(m map[string]string) UID {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	keyRefs := make([]UID, len(keys))
	valRefs := make([]UID, len(keys))
	for i, k := range keys {
		keyRefs[i] = b.AddString(k)
		valRefs[i] = b.AddString(m[k])
	}
	return b.AddDictionary(keyRefs, valRefs)
}

// addFileURL archives a NSURL whose NS.base is $null and NS.relative holds
// the full URL string, matching how Foundation archives an absolute URL.
func (b *ArchiveBuilder) addFileURL(rawURL string) UID {
	classRef := b.classRef(ClassNSURL, "NSObject")
	d := NewDict()
	d.Set("$class", classRef)
	d.Set("NS.base", UID(0))
	d.Set("NS.relative", b.AddString(rawURL))
	return b.push(d)
}

// addStringSet archives items as an NSSet of NSString.
func (b *ArchiveBuilder) addStringSet(items []string) UID {
	classRef := b.classRef(ClassNSSet, "NSObject")
	refs := make([]interface{}, len(items))
	for i, s := range items {
		refs[i] = b.AddString(s)
	}
	d := NewDict()
	d.Set("$class", classRef)
	d.Set("NS.objects", &Array{Items: refs})
	return b.push(d)
}
