package transform

import (
	"sync"

	"github.com/Sanzentyo/video-hw/media"
)

// Accelerator is a GPU conversion path registered by a backend driver: a
// CUDA kernel on NVIDIA, a Metal compute shader on VideoToolbox. Workers try
// it before the CPU path; any accelerator failure falls back silently, so
// only the CPU path's failure is ever surfaced to callers.
type Accelerator interface {
	Name() string
	Convert(f media.DecodedFrame, color media.ColorRequest) (media.DecodedFrame, error)
}

var (
	accelMu sync.RWMutex
	accel   Accelerator
)

// RegisterAccelerator installs the preferred GPU conversion path. Passing
// nil removes it.
func RegisterAccelerator(a Accelerator) {
	accelMu.Lock()
	accel = a
	accelMu.Unlock()
}

func accelerator() Accelerator {
	accelMu.RLock()
	defer accelMu.RUnlock()
	return accel
}
