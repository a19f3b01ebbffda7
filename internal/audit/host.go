package audit

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

// HostFacts describes the machine a run executed on, for process_start
// entries. Lookups that fail are left out.
func HostFacts(ctx context.Context) map[string]any {
	facts := map[string]any{
		"arch": runtime.GOARCH,
		"pid":  os.Getpid(),
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		if name, err := os.Hostname(); err == nil {
			facts["hostname"] = name
		}
		return facts
	}

	facts["hostname"] = info.Hostname
	facts["os"] = info.OS
	facts["platform"] = info.Platform + " " + info.PlatformVersion
	facts["kernel"] = info.KernelVersion
	return facts
}
