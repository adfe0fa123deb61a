package audio

// Timing constants
const (
	// cyclesPerStep is the number of CPU cycles per frame sequencer tick.
	// The frame sequencer runs at 512 Hz: 4194304 Hz / 512 Hz = 8192 t-cycles
	cyclesPerStep = 8192
)

// Channel constants
const (
	// waveRAMSize is the size of wave pattern RAM in bytes (16 bytes = 32 nibbles)
	waveRAMSize = 16
)

// maxBufferedSamples bounds the pull-side PCM buffer (interleaved values)
// when no host drains it.
const maxBufferedSamples = 32768
