//go:build darwin

package driver

import (
	"log/slog"

	"github.com/Sanzentyo/video-hw/media"
)

// The VideoToolbox shim wraps VTCompressionSession/VTDecompressionSession
// and CoreMedia sample-buffer construction behind the vhw_ ABI.
const vtShimLib = "libvideohw_vt.dylib"

var vtShimDirs = []string{
	"/usr/local/lib",
	"/opt/homebrew/lib",
}

func init() {
	lib, err := loadShim(vtShimLib, vtShimDirs)
	if err != nil {
		slog.Debug("videotoolbox driver shim unavailable", "error", err)
		return
	}
	Register(&shimRuntime{backend: media.BackendVideoToolbox, lib: lib})
	slog.Info("videotoolbox driver shim loaded")
}
