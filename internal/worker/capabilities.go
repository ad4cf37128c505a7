// Package worker implements the remote executor daemon: it connects
// to the coordinator, maintains the encrypted session, and runs the
// upscaler over assigned batches one at a time.
package worker

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// DetectCapabilities inspects the host and builds the capability
// descriptor sent at hello time.
func DetectCapabilities(upscalerPath string) models.Capabilities {
	caps := models.Capabilities{
		OS:                   runtime.GOOS,
		Arch:                 runtime.GOARCH,
		CPUCores:             runtime.NumCPU(),
		UpscalerPath:         upscalerPath,
		MaxConcurrentBatches: 1,
	}

	if hostname, err := os.Hostname(); err == nil {
		caps.Hostname = hostname
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		caps.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		caps.MemoryMB = vm.Total / (1 << 20)
	}
	caps.GPUs = detectGPUs()

	return caps
}

// detectGPUs lists GPU device names from the sysfs vendor hints on
// Linux. Other platforms report none; the upscaler still picks its own
// device.
func detectGPUs() []string {
	if runtime.GOOS != "linux" {
		return nil
	}

	entries, err := os.ReadDir("/sys/class/drm")
	if err != nil {
		return nil
	}

	var gpus []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "card") || strings.Contains(name, "-") {
			continue
		}
		vendorPath := fmt.Sprintf("/sys/class/drm/%s/device/vendor", name)
		vendor, err := os.ReadFile(vendorPath)
		if err != nil {
			continue
		}
		gpus = append(gpus, fmt.Sprintf("%s vendor=%s", name, strings.TrimSpace(string(vendor))))
	}
	return gpus
}

// DeriveWorkerID builds a stable hardware-derived identifier from the
// first non-loopback interface's MAC address, falling back to the
// hostname.
func DeriveWorkerID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return "w-" + strings.ReplaceAll(iface.HardwareAddr.String(), ":", "")
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "w-unknown"
	}
	return "w-" + hostname
}
