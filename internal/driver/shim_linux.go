//go:build linux

package driver

import (
	"log/slog"

	"github.com/Sanzentyo/video-hw/media"
)

// The NVIDIA shim wraps NVENC (nvEncodeAPI), NVDEC (nvcuvid), and the CUDA
// context/upload plumbing behind the vhw_ ABI.
const nvShimLib = "libvideohw_nv.so"

var nvShimDirs = []string{
	"/usr/local/lib",
	"/usr/lib",
	"/usr/lib/x86_64-linux-gnu",
}

func init() {
	lib, err := loadShim(nvShimLib, nvShimDirs)
	if err != nil {
		slog.Debug("nvidia driver shim unavailable", "error", err)
		return
	}
	Register(&shimRuntime{backend: media.BackendNvidia, lib: lib})
	slog.Info("nvidia driver shim loaded")
}
