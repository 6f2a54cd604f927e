// Package instruments wraps the DTX-level ProcessControl service
// (com.apple.instruments.server.services.processcontrol): launching a
// test runner or app suspended, killing it, and listing running
// processes.
package instruments

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/dtx"
	"go.ioshost.dev/ioshost/ios/plist"
)

// processControlChannelLabel is the Cocoa-style protocol string
// ProcessControl registers itself under on channel 0.
const processControlChannelLabel = "com.apple.instruments.server.services.processcontrol"

// launchRetryDelay and launchRetryJitter describe the backoff policy for a
// transient BrokenPipe on a ProcessControl call: a 5-second base delay
// plus up to 3 seconds of jitter, 3 attempts total.
const (
	launchRetryDelay  = 5 * time.Second
	launchRetryJitter = 3 * time.Second
	launchRetryTries  = 3
)

// ProcessControl is a channel opened against an instruments DTX
// connection's ProcessControl service.
type ProcessControl struct {
	conn        *dtx.Connection
	channelCode int32
}

// ProcessInfo is one entry from RunningProcesses, joined against the
// caller-supplied installed-app list to recover a bundle identifier.
type ProcessInfo struct {
	Pid      int
	BundleID string
	Name     string
}

// StartProcessControl opens the ProcessControl channel on an already
// capability-handshaken DTX connection.
func StartProcessControl(ctx context.Context, conn *dtx.Connection) (*ProcessControl, error) {
	code, err := conn.RequestChannel(ctx, processControlChannelLabel)
	if err != nil {
		return nil, err
	}
	return &ProcessControl{conn: conn, channelCode: code}, nil
}

func (p *ProcessControl) call(ctx context.Context, selector string, args ...interface{}) (*dtx.Message, error) {
	return p.conn.Call(ctx, p.channelCode, selector, args...)
}

// LaunchSuspended launches bundleID at devicePath suspended (not yet
// resumed), with the given environment and arguments, and returns its
// pid. A transient BrokenPipe is retried automatically; any other error,
// or a reply whose pid is not numeric, propagates (the latter as
// LaunchError).
func (p *ProcessControl) LaunchSuspended(ctx context.Context, devicePath, bundleID string, env map[string]string, args []string, options *plist.Dict) (int, error) {
	envDict := stringMapToDict(env)
	argsArr := plist.NewArray()
	for _, a := range args {
		argsArr.Items = append(argsArr.Items, a)
	}
	if options == nil {
		options = plist.NewDict()
	}

	var pid int
	op := func() error {
		reply, err := p.call(ctx, "launchSuspendedProcessWithDevicePath:bundleIdentifier:environment:arguments:options:",
			devicePath, bundleID, envDict, argsArr, options)
		if err != nil {
			if isTransientBrokenPipe(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		n, ok := toInt(reply.Object)
		if !ok {
			return backoff.Permanent(errors.NewLaunchError(fmt.Sprintf("%v", reply.Object)))
		}
		pid = n
		return nil
	}

	b := backoff.WithMaxRetries(&jitterBackOff{base: launchRetryDelay, jitter: launchRetryJitter}, launchRetryTries-1)
	if err := backoff.Retry(op, b); err != nil {
		return 0, err
	}
	return pid, nil
}

// KillPid terminates pid.
func (p *ProcessControl) KillPid(ctx context.Context, pid int) error {
	_, err := p.call(ctx, "killPid:", int64(pid))
	return err
}

// ObserveExit tells instruments to notify this channel's registered
// notification callback (see RegisterOutputCallback) when pid exits, the
// call the XCUITest orchestrator makes right after launching a test runner
// so it can detect the process dying without polling.
func (p *ProcessControl) ObserveExit(ctx context.Context, pid int) error {
	_, err := p.call(ctx, "startObservingPid:", int64(pid))
	return err
}

// RegisterOutputCallback routes outputReceived:fromProcess:atTime: and
// other unsolicited ProcessControl notifications (pid-died, stdout/stderr
// lines) on this channel to fn.
func (p *ProcessControl) RegisterOutputCallback(selector string, fn func(*dtx.Message)) {
	p.conn.RegisterSelectorCallback(p.channelCode, selector, fn)
}

// ProcessIdentifierForBundleIdentifier returns bundleID's running pid, or
// 0 if it is not currently running.
func (p *ProcessControl) ProcessIdentifierForBundleIdentifier(ctx context.Context, bundleID string) (int, error) {
	reply, err := p.call(ctx, "processIdentifierForBundleIdentifier:", bundleID)
	if err != nil {
		return 0, err
	}
	n, _ := toInt(reply.Object)
	return n, nil
}

// RunningProcesses lists currently running processes, filtered against
// installedApps (a bundle-id-to-display-name map built from whatever
// installed-app source the caller has) to recover each process's bundle
// identifier; a running process absent from installedApps is omitted.
func (p *ProcessControl) RunningProcesses(ctx context.Context, installedApps map[string]string) ([]ProcessInfo, error) {
	reply, err := p.call(ctx, "runningProcesses")
	if err != nil {
		return nil, err
	}
	arr, ok := reply.Object.(*plist.Array)
	if obj, isObj := reply.Object.(*plist.ArchivedObject); isObj {
		items, _ := obj.Fields.Get("NS.objects")
		arr, ok = items.(*plist.Array)
	}
	if !ok {
		return nil, errors.NewProtocolError("instruments: runningProcesses reply is %T, want an array", reply.Object)
	}

	nameToBundleID := make(map[string]string, len(installedApps))
	for id, name := range installedApps {
		nameToBundleID[name] = id
	}

	var out []ProcessInfo
	for _, item := range arr.Items {
		d, ok := item.(*plist.Dict)
		if obj, isObj := item.(*plist.ArchivedObject); isObj {
			keys, _ := obj.Fields.Get("NS.keys")
			vals, _ := obj.Fields.Get("NS.objects")
			ka, okKeys := keys.(*plist.Array)
			va, okVals := vals.(*plist.Array)
			d, ok = plist.NewDict(), okKeys && okVals && len(ka.Items) == len(va.Items)
			for i := 0; ok && i < len(ka.Items); i++ {
				k, _ := ka.Items[i].(string)
				d.Set(k, va.Items[i])
			}
		}
		if !ok {
			continue
		}
		pidVal, _ := d.Get("pid")
		pid, ok := toInt(pidVal)
		if !ok {
			continue
		}
		nameVal, _ := d.Get("name")
		name, _ := nameVal.(string)
		bundleID, known := nameToBundleID[name]
		if !known {
			continue
		}
		out = append(out, ProcessInfo{Pid: pid, BundleID: bundleID, Name: name})
	}
	return out, nil
}

func stringMapToDict(m map[string]string) *plist.Dict {
	d := plist.NewDict()
	for k, v := range m {
		d.Set(k, v)
	}
	return d
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

// isTransientBrokenPipe reports whether err looks like a broken-pipe write
// failure on the DTX socket, the one class of ProcessControl error this
// package retries automatically. Matched by message rather than a
// platform-specific errno so the check behaves the same on every GOOS the
// transport layer dials on.
func isTransientBrokenPipe(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "broken pipe")
}

// jitterBackOff is a constant delay plus uniform random jitter, the shape
// a 5s-delay-plus-jitter-3-tries retry policy needs; cenkalti/backoff's
// ConstantBackOff has no built-in jitter.
type jitterBackOff struct {
	base   time.Duration
	jitter time.Duration
}

func (j *jitterBackOff) NextBackOff() time.Duration {
	if j.jitter <= 0 {
		return j.base
	}
	return j.base + time.Duration(rand.Int63n(int64(j.jitter)+1))
}

func (j *jitterBackOff) Reset() {}
