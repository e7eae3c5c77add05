package netmod

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModularDistanceNoWrap(t *testing.T) {
	assert.Equal(t, uint32(0), modularDistance(5, 5))
	assert.Equal(t, uint32(3), modularDistance(8, 5))
	assert.Equal(t, uint32(255), modularDistance(255, 0))
}

func TestModularDistanceWraps(t *testing.T) {
	assert.Equal(t, uint32(1), modularDistance(0, 255))
	assert.Equal(t, uint32(2), modularDistance(1, 255))
	assert.Equal(t, uint32(0), modularDistance(0, 0))
}

func TestModularDistanceMatchesWrappingSubtraction(t *testing.T) {
	for a := 0; a < 256; a += 17 {
		for b := 0; b < 256; b += 23 {
			got := modularDistance(uint8(a), uint8(b))
			if got == 0 {
				continue
			}
			want := uint32(uint8(a) - uint8(b))
			if want == 0 {
				want = 256
			}
			assert.Equal(t, want, got, "a=%d b=%d", a, b)
		}
	}
}
