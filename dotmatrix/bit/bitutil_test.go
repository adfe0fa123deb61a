package bit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombine(t *testing.T) {
	assert.Equal(t, uint16(0xABCD), Combine(0xAB, 0xCD))
	assert.Equal(t, uint16(0x0001), Combine(0x00, 0x01))
	assert.Equal(t, uint16(0xFF00), Combine(0xFF, 0x00))
}

func TestHighLow(t *testing.T) {
	assert.Equal(t, uint8(0xAB), High(0xABCD))
	assert.Equal(t, uint8(0xCD), Low(0xABCD))
}

func TestIsSet(t *testing.T) {
	testCases := []struct {
		desc  string
		index uint8
		value uint8
		want  bool
	}{
		{desc: "bit 0 set", index: 0, value: 0x01, want: true},
		{desc: "bit 0 clear", index: 0, value: 0xFE, want: false},
		{desc: "bit 7 set", index: 7, value: 0x80, want: true},
		{desc: "bit 7 clear", index: 7, value: 0x7F, want: false},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			assert.Equal(t, tC.want, IsSet(tC.index, tC.value))
		})
	}
}

func TestSetReset(t *testing.T) {
	assert.Equal(t, uint8(0x81), Set(7, 0x01))
	assert.Equal(t, uint8(0x01), Reset(7, 0x81))
	assert.Equal(t, uint8(0x00), Reset(0, 0x01))
}

func TestExtractBits(t *testing.T) {
	assert.Equal(t, uint8(0b101), ExtractBits(0b11010110, 6, 4))
	assert.Equal(t, uint8(0b11), ExtractBits(0b11000000, 7, 6))
	assert.Equal(t, uint8(0b0110), ExtractBits(0b11010110, 3, 0))
}
