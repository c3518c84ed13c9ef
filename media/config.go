package media

// ColorRequest selects the terminal pixel representation for decoded frames.
// ColorKeepNative skips the transform dispatcher entirely.
type ColorRequest int

const (
	ColorKeepNative ColorRequest = iota
	ColorRGB24
	ColorRGBA8
)

func (c ColorRequest) String() string {
	switch c {
	case ColorKeepNative:
		return "keep-native"
	case ColorRGB24:
		return "rgb24"
	case ColorRGBA8:
		return "rgba8"
	default:
		return "color?"
	}
}

// NeedsTransform reports whether the request diverts frames into the
// transform dispatcher.
func (c ColorRequest) NeedsTransform() bool {
	return c != ColorKeepNative
}

// NvidiaDecoderOptions tunes the NVDEC adapter.
type NvidiaDecoderOptions struct {
	ReportMetrics bool
}

// NvidiaEncoderOptions tunes the NVENC adapter. The zero value of
// MaxInFlight selects the empirical default of 6 outstanding outputs;
// explicit values are clamped to 1..64.
type NvidiaEncoderOptions struct {
	MaxInFlight           int
	GOPLength             uint32 // 0 = vendor default
	FrameIntervalP        int32  // 0 = vendor default
	ReportMetrics         bool
	PipelineQueueCapacity int // 0 = default
}

// DecoderConfig describes a decode session. Color and Resize divert decoded
// surfaces through the transform dispatcher before they reach the caller;
// the zero value keeps the native metadata-only path.
type DecoderConfig struct {
	Codec           Codec
	FPS             int
	RequireHardware bool
	Color           ColorRequest
	Resize          *Dimensions
	WaitForCredit   bool // block Submit on credit exhaustion instead of failing
	Nvidia          *NvidiaDecoderOptions
}

// EncoderConfig describes an encode session. Dimensions are taken from the
// first submitted frame and are immutable within a flush cycle.
type EncoderConfig struct {
	Codec           Codec
	FPS             int
	RequireHardware bool
	WaitForCredit   bool
	Nvidia          *NvidiaEncoderOptions
}
