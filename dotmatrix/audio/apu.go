package audio

import (
	"io"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/bit"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/timing"
)

// APU generates the 4-channel audio: CH1 (square+sweep), CH2 (square),
// CH3 (wave), CH4 (noise), mixed to stereo. It is essentially a bundle of
// counters ticking at fixed divisions of the master clock.
type APU struct {
	enabled           bool
	ch                [4]Channel
	vinLeft, vinRight bool  // from NR50
	volLeft, volRight uint8 // master volume per side, 0 to 7

	// mixing accumulators and the host-rate downsampler
	mixLeftAcc         int64
	mixRightAcc        int64
	mixAccumCycles     int
	pcmBuffer          []int16
	pcmCursor          int
	pcmCycleAcc        float64
	pcmCyclesPerSample float64
	hostSampleRate     int
	sink               SampleSink

	// frame sequencer state
	step   int // current step (0-7)
	cycles int // cycles since last frame sequencer tick

	// raw registers
	NR10, NR11, NR12, NR13, NR14 uint8 // Channel 1
	NR21, NR22, NR23, NR24       uint8 // Channel 2
	NR30, NR31, NR32, NR33, NR34 uint8 // Channel 3
	NR41, NR42, NR43, NR44       uint8 // Channel 4
	NR50, NR51                   uint8 // Global controls
	waveRAM                      [waveRAMSize]uint8
}

// Channel holds the state shared by the four channel types; unused fields
// stay zero for channels that lack the feature.
//
//   - duty: square wave pattern select (0-3)
//   - sweep: frequency change over time (CH1 only)
//   - envelope: volume change over time (CH1/CH2/CH4)
//   - period: 11-bit frequency period, counts up toward 2048
//   - DAC: when off the channel is silent and cannot be triggered on
//   - LFSR: pseudo-random generator driving CH4
type Channel struct {
	enabled     bool
	left, right bool // NR51 panning; neither side means muted

	duty   uint8
	length uint16 // length counter, up to 256 for CH3
	volume uint8  // current volume, 0 to 15

	// frequency sweep (CH1 only)
	sweepPeriod  uint8
	sweepDown    bool
	sweepStep    uint8
	sweepEnabled bool
	sweepTimer   uint8
	shadowFreq   uint16 // latched frequency for sweep calculations
	sweepNegUsed bool   // a subtract-mode calculation has run since trigger

	envelopePace    uint8
	envelopeUp      bool
	envelopeCounter uint8
	envelopeLatched bool

	period       uint16
	lengthEnable bool
	freqTimer    int
	dutyStep     uint8
	waveIndex    uint8
	waveSample   uint8
	noiseTimer   int

	// CH4 noise
	lfsr        uint16
	use7bitLFSR bool
	shift       uint8
	divider     uint8

	dacEnabled bool

	// debug state, separate from enabled/dac
	muted bool
}

func New() *APU {
	apu := &APU{hostSampleRate: 44100}
	apu.pcmCyclesPerSample = float64(timing.CPUFrequency) / float64(apu.hostSampleRate)
	return apu
}

// SetSampleSink wires a push-model host sink; nil disconnects it.
func (a *APU) SetSampleSink(sink SampleSink) { a.sink = sink }

// SetHostSampleRate changes the downsampler output rate.
func (a *APU) SetHostSampleRate(rate int) {
	if rate <= 0 {
		return
	}
	a.hostSampleRate = rate
	a.pcmCyclesPerSample = float64(timing.CPUFrequency) / float64(rate)
}

// Tick advances the APU by CPU T-cycles.
func (a *APU) Tick(cycles int) {
	if !a.enabled {
		return
	}

	a.tickGenerators(cycles)

	a.cycles += cycles
	for a.cycles >= cyclesPerStep {
		a.cycles -= cyclesPerStep
		a.tickSequence()
	}
}

func (a *APU) tickGenerators(cycles int) {
	if cycles <= 0 {
		return
	}

	var leftLevel, rightLevel int64
	for i := range a.ch {
		ch := &a.ch[i]
		if !ch.enabled || !ch.dacEnabled || ch.muted {
			continue
		}

		var level int64
		switch i {
		case 0, 1:
			level = a.stepSquare(ch, cycles)
		case 2:
			level = a.stepWave(ch, cycles)
		case 3:
			level = a.stepNoise(ch, cycles)
		}
		if level == 0 {
			continue
		}

		if ch.left {
			leftLevel += level
		}
		if ch.right {
			rightLevel += level
		}
	}

	a.mixLeftAcc += leftLevel * int64(cycles)
	a.mixRightAcc += rightLevel * int64(cycles)
	a.mixAccumCycles += cycles
	a.flushMix(cycles)
}

func (a *APU) flushMix(cycles int) {
	if a.hostSampleRate <= 0 || a.pcmCyclesPerSample == 0 {
		return
	}

	a.pcmCycleAcc += float64(cycles)
	if a.pcmCycleAcc < a.pcmCyclesPerSample {
		return
	}

	// one call may span several host samples; each gets the averaged mix
	left, right := a.exportMixedSample()
	for a.pcmCycleAcc >= a.pcmCyclesPerSample {
		a.pcmCycleAcc -= a.pcmCyclesPerSample
		a.pcmBuffer = append(a.pcmBuffer, left, right)
		if len(a.pcmBuffer) > maxBufferedSamples {
			// pull-side host is absent or slow; drop the oldest half
			keep := len(a.pcmBuffer) / 2
			copy(a.pcmBuffer, a.pcmBuffer[keep:])
			a.pcmBuffer = a.pcmBuffer[:len(a.pcmBuffer)-keep]
			a.pcmCursor = 0
		}
		if a.sink != nil {
			a.sink.PushSample(float32(left)/32768.0, float32(right)/32768.0)
		}
	}
}

func (a *APU) exportMixedSample() (int16, int16) {
	if a.mixAccumCycles == 0 {
		return 0, 0
	}

	leftAvg := float64(a.mixLeftAcc) / float64(a.mixAccumCycles)
	rightAvg := float64(a.mixRightAcc) / float64(a.mixAccumCycles)

	left, right := scaleToPCM(leftAvg, a.volLeft), scaleToPCM(rightAvg, a.volRight)

	a.mixLeftAcc = 0
	a.mixRightAcc = 0
	a.mixAccumCycles = 0

	return left, right
}

const sampleScale = 32767.0 / 15.0

func scaleToPCM(avg float64, masterVol uint8) int16 {
	gain := float64(masterVol+1) / 8.0
	value := avg * gain * sampleScale
	if value > 32767 {
		value = 32767
	} else if value < -32768 {
		value = -32768
	}
	return int16(value)
}

var dutyPatterns = [4][8]int64{
	{0, 1, 0, 0, 0, 0, 0, 0},
	{0, 1, 1, 0, 0, 0, 0, 0},
	{0, 1, 1, 1, 1, 0, 0, 0},
	{1, 0, 0, 1, 1, 1, 1, 1},
}

func (a *APU) stepSquare(ch *Channel, cycles int) int64 {
	period := a.squarePeriodCycles(ch)
	if period == 0 {
		return 0
	}
	if ch.freqTimer <= 0 {
		ch.freqTimer = period
	}

	ch.freqTimer -= cycles
	for ch.freqTimer <= 0 {
		ch.freqTimer += period
		ch.dutyStep = (ch.dutyStep + 1) & 0x7
	}

	if ch.volume == 0 {
		return 0
	}
	level := int64(ch.volume)
	if dutyPatterns[ch.duty&0x3][ch.dutyStep] == 0 {
		// mirror the level so the square is DC-free
		return -level
	}
	return level
}

func (a *APU) stepWave(ch *Channel, cycles int) int64 {
	period := a.wavePeriodCycles(ch)
	if period == 0 {
		return 0
	}
	if ch.freqTimer <= 0 {
		ch.freqTimer = period
	}

	ch.freqTimer -= cycles
	for ch.freqTimer <= 0 {
		ch.freqTimer += period
		ch.waveIndex = (ch.waveIndex + 1) & 0x1F
	}

	sample := int64(a.readWaveSample(ch.waveIndex)) - 8
	switch ch.volume & 0b11 {
	case 0:
		return 0
	case 1:
		return sample
	case 2:
		return sample / 2
	default:
		return sample / 4
	}
}

func (a *APU) stepNoise(ch *Channel, cycles int) int64 {
	period := a.noisePeriodCycles(ch)
	if period == 0 {
		return 0
	}
	if ch.lfsr == 0 {
		ch.lfsr = 0x7FFF
	}
	if ch.noiseTimer <= 0 {
		ch.noiseTimer = period
	}

	ch.noiseTimer -= cycles
	for ch.noiseTimer <= 0 {
		ch.noiseTimer += period
		feedback := (ch.lfsr & 1) ^ ((ch.lfsr >> 1) & 1)
		ch.lfsr = (ch.lfsr >> 1) | (feedback << 14)
		if ch.use7bitLFSR {
			ch.lfsr = (ch.lfsr &^ (1 << 6)) | (feedback << 6)
		}
	}

	if ch.volume == 0 {
		return 0
	}
	level := int64(ch.volume)
	if bit.IsSet(0, uint8(ch.lfsr)) {
		// the LFSR output is inverted before it reaches the DAC
		return -level
	}
	return level
}

func (a *APU) squarePeriodCycles(ch *Channel) int {
	period := 2048 - int(ch.period&0x7FF)
	if period <= 0 {
		return 0
	}
	return period * 4
}

func (a *APU) wavePeriodCycles(ch *Channel) int {
	period := 2048 - int(ch.period&0x7FF)
	if period <= 0 {
		return 0
	}
	return period * 2
}

var noiseDividers = [8]int{8, 16, 32, 48, 64, 80, 96, 112}

func (a *APU) noisePeriodCycles(ch *Channel) int {
	return noiseDividers[ch.divider&0x7] << ch.shift
}

func (a *APU) readWaveSample(index uint8) uint8 {
	value := a.waveRAM[index>>1]
	a.ch[2].waveSample = value
	if index&1 == 0 {
		return value >> 4
	}
	return value & 0x0F
}

// waveRAMLocked reports whether the CPU sees the sample buffer instead of
// wave RAM: that happens while CH3 plays with its DAC on.
func (a *APU) waveRAMLocked() bool {
	return a.enabled && a.ch[2].enabled && a.ch[2].dacEnabled
}

// sweep

// computeSweep returns the next sweep target without mutating state. The
// overflow check runs even when the shift is zero.
func (ch *Channel) computeSweep() (newFreq uint16, overflow bool) {
	delta := ch.shadowFreq >> ch.sweepStep
	if ch.sweepDown {
		if delta > ch.shadowFreq {
			newFreq = 0
		} else {
			newFreq = ch.shadowFreq - delta
		}
	} else {
		newFreq = ch.shadowFreq + delta
	}
	return newFreq, newFreq > 2047
}

// frame sequencer
//
//	Step | Length (256Hz) | Sweep (128Hz) | Envelope (64Hz)
//	------------------------------------------------------
//	0    | yes            | -             | -
//	2    | yes            | yes           | -
//	4    | yes            | -             | -
//	6    | yes            | yes           | -
//	7    | -              | -             | yes
func (a *APU) tickSequence() {
	switch a.step {
	case 0, 4:
		a.tickLength()
	case 2, 6:
		a.tickLength()
		a.tickSweep()
	case 7:
		a.tickEnvelope()
	}

	a.step = (a.step + 1) % 8
}

func (a *APU) tickLength() {
	for i := range a.ch {
		ch := &a.ch[i]
		if ch.lengthEnable && ch.length > 0 {
			ch.length--
			if ch.length == 0 {
				ch.enabled = false
			}
		}
	}
}

func (a *APU) tickSweep() {
	ch := &a.ch[0]
	if !ch.sweepEnabled {
		return
	}

	ch.sweepTimer--
	if ch.sweepTimer > 0 {
		return
	}

	ch.sweepTimer = ch.sweepPeriod
	if ch.sweepTimer == 0 {
		ch.sweepTimer = 8
	}
	if ch.sweepPeriod == 0 {
		// pace 0 reloads the timer but performs no calculation
		return
	}

	newFrequency, overflow := ch.computeSweep()
	if overflow {
		ch.enabled = false
		return
	}
	if ch.sweepDown {
		ch.sweepNegUsed = true
	}
	if ch.sweepStep == 0 {
		return
	}

	ch.shadowFreq = newFrequency
	ch.period = newFrequency
	a.NR14 = (a.NR14 & 0b1111_1000) | uint8((newFrequency>>8)&0b111)
	a.NR13 = uint8(newFrequency)

	// a second overflow-only calculation follows the frequency update
	if _, overflow := ch.computeSweep(); overflow {
		ch.enabled = false
	}
}

func (a *APU) tickEnvelope() {
	for _, idx := range []int{0, 1, 3} {
		ch := &a.ch[idx]
		// the envelope timer keeps running while a channel is silent
		if !ch.dacEnabled || ch.envelopeLatched {
			continue
		}

		pace := ch.envelopePace
		if pace == 0 {
			pace = 8
		}

		if ch.envelopeCounter == 0 {
			ch.envelopeCounter = pace
		}
		ch.envelopeCounter--
		if ch.envelopeCounter > 0 {
			continue
		}

		if ch.envelopeUp {
			if ch.volume < 15 {
				ch.volume++
				ch.envelopeCounter = pace
			} else {
				ch.envelopeLatched = true
			}
		} else {
			if ch.volume > 0 {
				ch.volume--
				ch.envelopeCounter = pace
			} else {
				ch.envelopeLatched = true
			}
		}
	}
}

// register access

// ReadRegister returns masked register values: write-only and unused bits
// read back as 1.
func (a *APU) ReadRegister(address uint16) uint8 {
	switch address {
	case addr.NR10:
		return a.NR10 | 0b1000_0000
	case addr.NR11:
		return a.NR11 | 0b0011_1111
	case addr.NR12:
		return a.NR12
	case addr.NR13:
		return 0xFF
	case addr.NR14:
		return a.NR14 | 0b1011_1111
	case addr.NR21:
		return a.NR21 | 0b0011_1111
	case addr.NR22:
		return a.NR22
	case addr.NR23:
		return 0xFF
	case addr.NR24:
		return a.NR24 | 0b1011_1111
	case addr.NR30:
		return a.NR30 | 0b0111_1111
	case addr.NR31:
		return 0xFF
	case addr.NR32:
		return a.NR32 | 0b1001_1111
	case addr.NR33:
		return 0xFF
	case addr.NR34:
		return a.NR34 | 0b1011_1111
	case addr.NR41:
		return 0xFF
	case addr.NR42:
		return a.NR42
	case addr.NR43:
		return a.NR43
	case addr.NR44:
		return a.NR44 | 0b1011_1111
	case addr.NR50:
		return a.NR50
	case addr.NR51:
		return a.NR51
	case addr.NR52:
		status := uint8(0b0111_0000)
		if a.enabled {
			status = bit.Set(7, status)
		}
		for i := range a.ch {
			if a.ch[i].enabled {
				status = bit.Set(uint8(i), status)
			}
		}
		return status
	}
	if address >= addr.WaveRAMStart && address <= addr.WaveRAMEnd {
		if a.waveRAMLocked() {
			return a.ch[2].waveSample
		}
		return a.waveRAM[address-addr.WaveRAMStart]
	}
	return 0xFF
}

// WriteRegister stores a register value and applies its side effects.
// With the APU powered off everything except NR52 and wave RAM is inert.
func (a *APU) WriteRegister(address uint16, value uint8) {
	if address >= addr.WaveRAMStart && address <= addr.WaveRAMEnd {
		a.writeWaveRAM(address, value)
		return
	}
	if address == addr.NR52 {
		a.writePower(value)
		return
	}
	if !a.enabled {
		return
	}

	switch address {
	case addr.NR10:
		a.NR10 = value
		a.writeSweep(value)
	case addr.NR11:
		a.NR11 = value
		a.ch[0].duty = bit.ExtractBits(value, 7, 6)
		a.ch[0].length = 64 - uint16(value&0x3F)
	case addr.NR12:
		a.NR12 = value
		a.writeEnvelope(0, value)
	case addr.NR13:
		a.NR13 = value
		a.ch[0].period = bit.Combine(a.NR14&0b111, value)
	case addr.NR14:
		a.NR14 = value
		a.ch[0].period = bit.Combine(value&0b111, a.NR13)
		a.writeControl(0, value, 64)
	case addr.NR21:
		a.NR21 = value
		a.ch[1].duty = bit.ExtractBits(value, 7, 6)
		a.ch[1].length = 64 - uint16(value&0x3F)
	case addr.NR22:
		a.NR22 = value
		a.writeEnvelope(1, value)
	case addr.NR23:
		a.NR23 = value
		a.ch[1].period = bit.Combine(a.NR24&0b111, value)
	case addr.NR24:
		a.NR24 = value
		a.ch[1].period = bit.Combine(value&0b111, a.NR23)
		a.writeControl(1, value, 64)
	case addr.NR30:
		a.NR30 = value
		a.ch[2].dacEnabled = bit.IsSet(7, value)
		if !a.ch[2].dacEnabled {
			a.ch[2].enabled = false
		}
	case addr.NR31:
		a.NR31 = value
		a.ch[2].length = 256 - uint16(value)
	case addr.NR32:
		a.NR32 = value
		a.ch[2].volume = bit.ExtractBits(value, 6, 5)
	case addr.NR33:
		a.NR33 = value
		a.ch[2].period = bit.Combine(a.NR34&0b111, value)
	case addr.NR34:
		a.NR34 = value
		a.ch[2].period = bit.Combine(value&0b111, a.NR33)
		a.writeControl(2, value, 256)
	case addr.NR41:
		a.NR41 = value
		a.ch[3].length = 64 - uint16(value&0x3F)
	case addr.NR42:
		a.NR42 = value
		a.writeEnvelope(3, value)
	case addr.NR43:
		a.NR43 = value
		a.ch[3].shift = bit.ExtractBits(value, 7, 4)
		a.ch[3].use7bitLFSR = bit.IsSet(3, value)
		a.ch[3].divider = bit.ExtractBits(value, 2, 0)
	case addr.NR44:
		a.NR44 = value
		a.writeControl(3, value, 64)
	case addr.NR50:
		a.NR50 = value
		a.vinLeft, a.vinRight = bit.IsSet(7, value), bit.IsSet(3, value)
		a.volLeft, a.volRight = bit.ExtractBits(value, 6, 4), bit.ExtractBits(value, 2, 0)
	case addr.NR51:
		a.NR51 = value
		for i := range a.ch {
			a.ch[i].right = bit.IsSet(uint8(i), value)
			a.ch[i].left = bit.IsSet(uint8(i+4), value)
		}
	}
}

func (a *APU) writeWaveRAM(address uint16, value uint8) {
	offset := address - addr.WaveRAMStart
	if a.waveRAMLocked() {
		// writes during playback land on the currently buffered byte
		a.waveRAM[a.ch[2].waveIndex>>1] = value
		a.ch[2].waveSample = value
		return
	}
	a.waveRAM[offset] = value
}

// writePower handles NR52 bit 7: powering off zeroes every register and
// silences all channels; powering on resets the sequencer phase.
func (a *APU) writePower(value uint8) {
	wasEnabled := a.enabled
	a.enabled = bit.IsSet(7, value)

	if !a.enabled {
		a.NR10, a.NR11, a.NR12, a.NR13, a.NR14 = 0, 0, 0, 0, 0
		a.NR21, a.NR22, a.NR23, a.NR24 = 0, 0, 0, 0
		a.NR30, a.NR31, a.NR32, a.NR33, a.NR34 = 0, 0, 0, 0, 0
		a.NR41, a.NR42, a.NR43, a.NR44 = 0, 0, 0, 0
		a.NR50, a.NR51 = 0, 0
		for i := range a.ch {
			muted := a.ch[i].muted
			a.ch[i] = Channel{muted: muted}
		}
		a.vinLeft, a.vinRight = false, false
		a.volLeft, a.volRight = 0, 0
		return
	}
	if !wasEnabled {
		a.step = 0
		a.cycles = 0
	}
}

func (a *APU) writeSweep(value uint8) {
	ch := &a.ch[0]
	prevDown := ch.sweepDown
	ch.sweepPeriod = bit.ExtractBits(value, 6, 4)
	ch.sweepDown = bit.IsSet(3, value)
	ch.sweepStep = bit.ExtractBits(value, 2, 0)
	if prevDown && !ch.sweepDown && ch.sweepNegUsed {
		// leaving subtract mode after a subtract calculation kills CH1
		ch.enabled = false
	}
}

func (a *APU) writeEnvelope(idx int, value uint8) {
	ch := &a.ch[idx]
	ch.volume = bit.ExtractBits(value, 7, 4)
	ch.envelopeUp = bit.IsSet(3, value)
	ch.envelopePace = bit.ExtractBits(value, 2, 0)
	ch.envelopeLatched = false
	if ch.envelopePace == 0 {
		ch.envelopeCounter = 8
	} else {
		ch.envelopeCounter = ch.envelopePace
	}

	// DAC on = any of bits 7-3 set; switching it off kills the channel
	ch.dacEnabled = value&0xF8 != 0
	if !ch.dacEnabled {
		ch.enabled = false
	}
}

// writeControl handles the NRx4 trigger/length-enable write for channel idx.
func (a *APU) writeControl(idx int, value uint8, maxLength uint16) {
	ch := &a.ch[idx]
	prevEnabled := ch.lengthEnable
	lengthBefore := ch.length
	triggered := bit.IsSet(7, value)
	ch.lengthEnable = bit.IsSet(6, value)

	if triggered {
		a.trigger(idx)
	}

	a.handleLengthEnableTransition(prevEnabled, lengthBefore, triggered, maxLength, idx)

	// the trigger bit itself is write-only and never sticks
	switch idx {
	case 0:
		a.NR14 = bit.Reset(7, a.NR14)
	case 1:
		a.NR24 = bit.Reset(7, a.NR24)
	case 2:
		a.NR34 = bit.Reset(7, a.NR34)
	case 3:
		a.NR44 = bit.Reset(7, a.NR44)
	}
}

// trigger starts a channel: reload timers, restart envelope, and run the
// channel-specific setup (sweep latch, wave pointer, LFSR seed).
func (a *APU) trigger(idx int) {
	ch := &a.ch[idx]
	if ch.dacEnabled {
		ch.enabled = true
	}

	ch.envelopeLatched = false
	if ch.envelopePace == 0 {
		ch.envelopeCounter = 8
	} else {
		ch.envelopeCounter = ch.envelopePace
	}

	switch idx {
	case 0:
		ch.dutyStep = 0
		ch.freqTimer = a.squarePeriodCycles(ch)
		ch.sweepEnabled = ch.sweepPeriod > 0 || ch.sweepStep > 0
		ch.sweepTimer = ch.sweepPeriod
		if ch.sweepTimer == 0 {
			ch.sweepTimer = 8
		}
		ch.shadowFreq = ch.period
		ch.sweepNegUsed = false
		if ch.sweepStep != 0 {
			// an immediate overflow check runs on trigger
			if ch.sweepDown {
				ch.sweepNegUsed = true
			}
			if _, overflow := ch.computeSweep(); overflow {
				ch.enabled = false
			}
		}
		// restore the envelope volume from the register
		ch.volume = bit.ExtractBits(a.NR12, 7, 4)
	case 1:
		ch.dutyStep = 0
		ch.freqTimer = a.squarePeriodCycles(ch)
		ch.volume = bit.ExtractBits(a.NR22, 7, 4)
	case 2:
		ch.freqTimer = a.wavePeriodCycles(ch)
		ch.waveIndex = 0
		ch.waveSample = a.waveRAM[0]
	case 3:
		ch.lfsr = 0x7FFF
		ch.noiseTimer = a.noisePeriodCycles(ch)
		ch.volume = bit.ExtractBits(a.NR42, 7, 4)
	}
}

// handleLengthEnableTransition centralizes the oddities around enabling
// length and triggering:
//   - enabling length in the second half of a sequencer period clocks once
//   - triggers reload length from zero before that clock
//   - a trigger after a clocked-to-zero reloads before the forced extra clock
func (a *APU) handleLengthEnableTransition(prevEnabled bool, lengthBefore uint16, triggered bool, maxLength uint16, chIdx int) {
	ch := &a.ch[chIdx]
	lengthWasZero := lengthBefore == 0
	clockOnEnable := !prevEnabled && ch.lengthEnable && a.step%2 == 1 && lengthBefore > 0

	if triggered && (lengthWasZero || (clockOnEnable && lengthBefore == 1)) {
		ch.length = maxLength
	}

	if !ch.lengthEnable {
		return
	}

	forceClock := lengthWasZero && triggered && ch.length > 0
	if !forceClock && prevEnabled {
		return
	}

	if a.step%2 == 1 && ch.length > 0 {
		ch.length--
		if ch.length == 0 {
			ch.enabled = false
		}
	}
}

// GetSamples returns interleaved stereo samples accumulated since the last
// call, zero-padded when the emulator has not produced enough yet.
func (a *APU) GetSamples(count int) []int16 {
	if count <= 0 {
		return nil
	}

	needed := count * 2
	available := len(a.pcmBuffer) - a.pcmCursor
	if available <= 0 {
		return make([]int16, needed)
	}

	out := make([]int16, needed)
	toCopy := min(available, needed)
	copy(out, a.pcmBuffer[a.pcmCursor:a.pcmCursor+toCopy])
	a.pcmCursor += toCopy

	if a.pcmCursor >= len(a.pcmBuffer) {
		a.pcmBuffer = a.pcmBuffer[:0]
		a.pcmCursor = 0
	}

	return out
}

// ToggleChannel toggles the mute state of a channel.
func (a *APU) ToggleChannel(idx int) {
	if idx < 0 || idx >= 4 {
		return
	}
	a.ch[idx].muted = !a.ch[idx].muted
}

// SoloChannel sets a channel to solo mode (only that channel is heard).
// Calling with the same channel again disables solo.
func (a *APU) SoloChannel(channel int) {
	if channel < 0 || channel >= 4 {
		return
	}

	alreadySolo := !a.ch[channel].muted
	for i := range a.ch {
		if i != channel && !a.ch[i].muted {
			alreadySolo = false
		}
	}
	if alreadySolo {
		for i := range a.ch {
			a.ch[i].muted = false
		}
		return
	}

	for i := range a.ch {
		a.ch[i].muted = i != channel
	}
}

// GetChannelStatus returns whether each channel is currently producing
// sound (not the debug mute state).
func (a *APU) GetChannelStatus() (bool, bool, bool, bool) {
	return a.ch[0].enabled, a.ch[1].enabled, a.ch[2].enabled, a.ch[3].enabled
}

// Serialize writes the APU block of a save state.
func (a *APU) Serialize(w io.Writer) error {
	regs := []uint8{
		boolByte(a.enabled),
		a.NR10, a.NR11, a.NR12, a.NR13, a.NR14,
		a.NR21, a.NR22, a.NR23, a.NR24,
		a.NR30, a.NR31, a.NR32, a.NR33, a.NR34,
		a.NR41, a.NR42, a.NR43, a.NR44,
		a.NR50, a.NR51,
		uint8(a.step),
	}
	for _, v := range regs {
		if err := stream.WriteU8(w, v); err != nil {
			return err
		}
	}
	if err := stream.WriteU16(w, uint16(a.cycles)); err != nil {
		return err
	}
	if err := stream.WriteBytes(w, a.waveRAM[:]); err != nil {
		return err
	}
	for i := range a.ch {
		if err := a.ch[i].serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize restores the APU block of a save state.
func (a *APU) Deserialize(r io.Reader) error {
	regs := make([]uint8, 22)
	for i := range regs {
		v, err := stream.ReadU8(r)
		if err != nil {
			return err
		}
		regs[i] = v
	}
	a.enabled = regs[0] != 0
	a.NR10, a.NR11, a.NR12, a.NR13, a.NR14 = regs[1], regs[2], regs[3], regs[4], regs[5]
	a.NR21, a.NR22, a.NR23, a.NR24 = regs[6], regs[7], regs[8], regs[9]
	a.NR30, a.NR31, a.NR32, a.NR33, a.NR34 = regs[10], regs[11], regs[12], regs[13], regs[14]
	a.NR41, a.NR42, a.NR43, a.NR44 = regs[15], regs[16], regs[17], regs[18]
	a.NR50, a.NR51 = regs[19], regs[20]
	a.step = int(regs[21])
	cycles, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	a.cycles = int(cycles)
	if err := stream.ReadBytes(r, a.waveRAM[:]); err != nil {
		return err
	}
	for i := range a.ch {
		if err := a.ch[i].deserialize(r); err != nil {
			return err
		}
	}
	a.vinLeft, a.vinRight = bit.IsSet(7, a.NR50), bit.IsSet(3, a.NR50)
	a.volLeft, a.volRight = bit.ExtractBits(a.NR50, 6, 4), bit.ExtractBits(a.NR50, 2, 0)
	return nil
}

func (ch *Channel) serialize(w io.Writer) error {
	flags := []uint8{
		boolByte(ch.enabled), boolByte(ch.left), boolByte(ch.right),
		ch.duty, ch.volume,
		ch.sweepPeriod, boolByte(ch.sweepDown), ch.sweepStep,
		boolByte(ch.sweepEnabled), ch.sweepTimer, boolByte(ch.sweepNegUsed),
		ch.envelopePace, boolByte(ch.envelopeUp), ch.envelopeCounter, boolByte(ch.envelopeLatched),
		boolByte(ch.lengthEnable), ch.dutyStep, ch.waveIndex, ch.waveSample,
		boolByte(ch.use7bitLFSR), ch.shift, ch.divider, boolByte(ch.dacEnabled),
	}
	for _, v := range flags {
		if err := stream.WriteU8(w, v); err != nil {
			return err
		}
	}
	for _, v := range []uint16{ch.length, ch.shadowFreq, ch.period, ch.lfsr} {
		if err := stream.WriteU16(w, v); err != nil {
			return err
		}
	}
	for _, v := range []uint32{uint32(int32(ch.freqTimer)), uint32(int32(ch.noiseTimer))} {
		if err := stream.WriteU32(w, v); err != nil {
			return err
		}
	}
	return nil
}

func (ch *Channel) deserialize(r io.Reader) error {
	flags := make([]uint8, 23)
	for i := range flags {
		v, err := stream.ReadU8(r)
		if err != nil {
			return err
		}
		flags[i] = v
	}
	ch.enabled, ch.left, ch.right = flags[0] != 0, flags[1] != 0, flags[2] != 0
	ch.duty, ch.volume = flags[3], flags[4]
	ch.sweepPeriod, ch.sweepDown, ch.sweepStep = flags[5], flags[6] != 0, flags[7]
	ch.sweepEnabled, ch.sweepTimer, ch.sweepNegUsed = flags[8] != 0, flags[9], flags[10] != 0
	ch.envelopePace, ch.envelopeUp, ch.envelopeCounter, ch.envelopeLatched = flags[11], flags[12] != 0, flags[13], flags[14] != 0
	ch.lengthEnable, ch.dutyStep, ch.waveIndex, ch.waveSample = flags[15] != 0, flags[16], flags[17], flags[18]
	ch.use7bitLFSR, ch.shift, ch.divider, ch.dacEnabled = flags[19] != 0, flags[20], flags[21], flags[22] != 0

	words := make([]uint16, 4)
	for i := range words {
		v, err := stream.ReadU16(r)
		if err != nil {
			return err
		}
		words[i] = v
	}
	ch.length, ch.shadowFreq, ch.period, ch.lfsr = words[0], words[1], words[2], words[3]

	freqTimer, err := stream.ReadU32(r)
	if err != nil {
		return err
	}
	noiseTimer, err := stream.ReadU32(r)
	if err != nil {
		return err
	}
	ch.freqTimer, ch.noiseTimer = int(int32(freqTimer)), int(int32(noiseTimer))
	return nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
