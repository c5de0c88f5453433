package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingSize(t *testing.T) {
	tests := []struct {
		name    string
		sizeMB  int
		snapLen int
	}{
		{"Small", 2, 256},
		{"FullFrames", 2, 1514},
		{"Jumbo", 8, 9000},
		{"Tiny", 1, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, block, n, err := ringSize(tt.sizeMB, tt.snapLen, 4096)
			require.NoError(t, err)
			assert.Zero(t, frame%16, "frame alignment")
			assert.GreaterOrEqual(t, frame, tt.snapLen)
			assert.Zero(t, block%4096, "block is page aligned")
			assert.Zero(t, block%frame, "block holds whole frames")
			assert.GreaterOrEqual(t, n, 1)
		})
	}
}

func TestRingSizeInvalid(t *testing.T) {
	_, _, _, err := ringSize(0, 256, 4096)
	assert.Error(t, err)
	_, _, _, err = ringSize(2, 0, 4096)
	assert.Error(t, err)
	_, _, _, err = ringSize(2, 256, 1000)
	assert.Error(t, err)
}
