package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"comfyrun/internal/services/comfyui"
)

// StatsProbe is the ComfyUI call used to check reachability.
type StatsProbe interface {
	SystemStats(ctx context.Context) (comfyui.SystemStats, error)
}

// Pinger checks a Redis connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckComfyUI verifies the service answers /system_stats and reports the
// primary device.
func CheckComfyUI(ctx context.Context, probe StatsProbe) Result {
	const name = "ComfyUI"

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats, err := probe.SystemStats(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	detail := "reachable"
	if v := stats.System.ComfyUIVersion; v != "" {
		detail += " (v" + v + ")"
	}
	if device, ok := stats.PrimaryGPU(); ok {
		detail += fmt.Sprintf(", %s", device.Name)
	} else {
		detail += ", no GPU reported"
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckRedis verifies the Redis connection.
func CheckRedis(ctx context.Context, pinger Pinger) Result {
	const name = "Redis"

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pinger.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}

// CheckDirectoryAccess verifies that the directory exists and is
// readable and writable.
func CheckDirectoryAccess(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.W_OK|unix.X_OK, "read/write ok")
}

// CheckReadable verifies that the directory exists and can be listed.
func CheckReadable(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.X_OK, "readable")
}

func checkDirectory(name, path string, mode uint32, okDetail string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, okDetail)}
}

func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out (service unreachable)"
	}
	return err.Error()
}
