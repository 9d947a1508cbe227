package comfyui

// SystemStats mirrors the /system_stats response.
type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		ComfyUIVersion string `json:"comfyui_version"`
		PythonVersion  string `json:"python_version"`
	} `json:"system"`
	Devices []Device `json:"devices"`
}

// Device is one accelerator reported by the service. Memory values are bytes.
type Device struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Index     int    `json:"index"`
	VRAMTotal int64  `json:"vram_total"`
	VRAMFree  int64  `json:"vram_free"`
}

// PrimaryGPU returns the first non-CPU device.
func (s SystemStats) PrimaryGPU() (Device, bool) {
	for _, device := range s.Devices {
		if device.Type == "cpu" {
			continue
		}
		if device.VRAMTotal <= 0 {
			continue
		}
		return device, true
	}
	return Device{}, false
}

// UsedMB returns used VRAM in mebibytes.
func (d Device) UsedMB() float64 {
	used := d.VRAMTotal - d.VRAMFree
	if used < 0 {
		used = 0
	}
	return float64(used) / (1024 * 1024)
}
