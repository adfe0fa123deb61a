package audio

// Provider is the pull-side host interface: backends drain mixed samples.
type Provider interface {
	// GetSamples retrieves interleaved stereo samples for playback
	GetSamples(count int) []int16

	// Audio debugging controls

	ToggleChannel(channel int)
	SoloChannel(channel int)
	GetChannelStatus() (ch1, ch2, ch3, ch4 bool)
}

// SampleSink is the push-side host interface: the APU calls it once per
// host-rate sample with values in [-1, 1]. Sinks must not block.
type SampleSink interface {
	PushSample(left, right float32)
}

var _ Provider = (*APU)(nil)
