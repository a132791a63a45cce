//go:build !portaudio

package audio

func openPortAudio(SourceConfig) (Source, error) {
	return nil, ErrBackendUnavailable
}
