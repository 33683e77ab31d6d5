package detections

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures reports the vector extensions available to ONNX Runtime kernels
// on this host.
func CPUFeatures() map[string]bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return map[string]bool{
			"sse41":   cpu.X86.HasSSE41,
			"avx2":    cpu.X86.HasAVX2,
			"avx512f": cpu.X86.HasAVX512F,
			"fma":     cpu.X86.HasFMA,
		}
	case "arm64":
		return map[string]bool{
			"asimd":   cpu.ARM64.HasASIMD,
			"asimddp": cpu.ARM64.HasASIMDDP,
			"sve":     cpu.ARM64.HasSVE,
		}
	default:
		return map[string]bool{}
	}
}
