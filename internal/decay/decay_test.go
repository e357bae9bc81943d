package decay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntensityExponential(t *testing.T) {
	got, err := Intensity(0.8, Exponential, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.904837, got, 1e-4)
}

func TestIntensityLinear(t *testing.T) {
	got, err := Intensity(0.3, Linear, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestIntensityRejectsNegativeRate(t *testing.T) {
	got, err := Intensity(1.0, Linear, -0.2)
	require.Error(t, err)
	assert.Equal(t, 0.0, got)
}

func TestIntensityUnsupportedKind(t *testing.T) {
	_, err := Intensity(0.5, Kind("unknown"), 0.1)
	require.Error(t, err)
}

func TestInhibitionDecay(t *testing.T) {
	got, err := Inhibition(0.5, 0.2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*0.818730, got, 1e-4)
}

func TestInhibitionNegativeRate(t *testing.T) {
	_, err := Inhibition(0.5, -0.1)
	require.Error(t, err)
}
