// Package errors provides basic utilities to construct and wrap errors with
// stack traces.
//
// Use this package rather than the standard library (errors.New, fmt.Errorf)
// when constructing errors anywhere under ios/ or internal/: it records the
// call site and chains causes so that a failed pairing, handshake, or DTX
// call leaves a trail a caller can print with the "%+v" verb.
package errors

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const maxStackDepth = 8

// stack holds a snapshot of program counters captured at error-construction
// time.
type stack []uintptr

func newStack(skip int) stack {
	pc := make([]uintptr, maxStackDepth+1)
	pc = pc[:runtime.Callers(skip+2, pc)]
	return stack(pc)
}

func (s stack) String() string {
	var lines []string
	cf := runtime.CallersFrames(s)
	for {
		f, more := cf.Next()
		lines = append(lines, fmt.Sprintf("\tat %s (%s:%d)", f.Function, filepath.Base(f.File), f.Line))
		if !more {
			break
		}
		if len(lines) >= maxStackDepth {
			lines = append(lines, "\t...")
			break
		}
	}
	return strings.Join(lines, "\n")
}
