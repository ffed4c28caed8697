//go:build darwin

package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const frontAppScript = `tell application "System Events" to get name of first application process whose frontmost is true`

const windowTitleScript = `tell application "System Events"
try
set frontProc to first application process whose frontmost is true
if (count of windows of frontProc) > 0 then
return name of front window of frontProc
end if
end try
end tell
return ""`

var hidIdleTime = regexp.MustCompile(`"HIDIdleTime"\s*=\s*(\d+)`)

// DarwinSampler reads foreground state through osascript and the IOKit
// registry. All calls inherit the caller's deadline, so a wedged probe
// surfaces as ErrUnavailable instead of stalling the sampling loop.
type DarwinSampler struct {
	includeTitles bool
}

func NewDarwinSampler(includeTitles bool) *DarwinSampler {
	return &DarwinSampler{includeTitles: includeTitles}
}

func (s *DarwinSampler) Sample(ctx context.Context) (Sample, error) {
	sample := Sample{ObservedAt: time.Now()}

	app, err := runCommand(ctx, "osascript", "-e", frontAppScript)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: front application: %v", ErrUnavailable, err)
	}
	sample.AppName = app

	if s.includeTitles && app != "" {
		// Titles are best effort. Some applications expose none.
		if title, err := runCommand(ctx, "osascript", "-e", windowTitleScript); err == nil {
			sample.WindowTitle = title
		}
	}

	idle, err := systemIdleSeconds(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: idle time: %v", ErrUnavailable, err)
	}
	sample.IdleSeconds = idle

	return sample, nil
}

// systemIdleSeconds parses HIDIdleTime (nanoseconds) out of the IOKit
// registry.
func systemIdleSeconds(ctx context.Context) (float64, error) {
	out, err := runCommand(ctx, "ioreg", "-c", "IOHIDSystem", "-d", "4")
	if err != nil {
		return 0, err
	}
	m := hidIdleTime.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("HIDIdleTime not found in ioreg output")
	}
	ns, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return float64(ns) / 1e9, nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s: %w, stderr: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
