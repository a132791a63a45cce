package audio

// Backend selects how audio is captured.
type Backend string

const (
	// BackendProcess captures from an arecord or FFmpeg child process.
	BackendProcess Backend = "process"
	// BackendPortAudio captures through PortAudio (requires the portaudio build tag).
	BackendPortAudio Backend = "portaudio"
)

// Channels is the number of interleaved channels every backend delivers.
const Channels = 2

// Device represents an available audio input device.
type Device struct {
	// ID is the device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}
