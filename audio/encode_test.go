package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame []int16
		want  []byte
	}{
		{
			name:  "empty frame",
			frame: []int16{},
			want:  []byte{},
		},
		{
			name:  "zero sample",
			frame: []int16{0},
			want:  []byte{0x00, 0x00},
		},
		{
			name:  "little endian byte order",
			frame: []int16{0x0102},
			want:  []byte{0x02, 0x01},
		},
		{
			name:  "negative sample two's complement",
			frame: []int16{-1},
			want:  []byte{0xFF, 0xFF},
		},
		{
			name:  "extremes",
			frame: []int16{32767, -32768},
			want:  []byte{0xFF, 0x7F, 0x00, 0x80},
		},
		{
			name:  "multiple samples in order",
			frame: []int16{1, 2, 3},
			want:  []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeFrame(tt.frame))
		})
	}
}

func TestEncodeFrameLength(t *testing.T) {
	frame := make([]int16, FrameSamples)
	assert.Len(t, EncodeFrame(frame), FrameSamples*2)
}
