package frames

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petprep/internal/models"
)

func timing() models.FrameTiming {
	return models.FrameTiming{
		Start:    []float64{0, 30, 60, 120, 240},
		Duration: []float64{30, 30, 60, 120, 240},
	}
}

func TestMidTimes(t *testing.T) {
	mid, err := MidTimes(timing())
	require.NoError(t, err)
	assert.Equal(t, []float64{15, 45, 90, 180, 360}, mid)

	_, err = MidTimes(models.FrameTiming{Start: []float64{0}, Duration: nil})
	assert.ErrorIs(t, err, ErrShape)
}

func TestFirstFrameAfter(t *testing.T) {
	i, err := FirstFrameAfter(timing(), DefaultStartTime)
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	// Strictly later: a mid-time equal to the limit does not qualify
	i, err = FirstFrameAfter(timing(), 90)
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	_, err = FirstFrameAfter(timing(), 400)
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestPadLeading(t *testing.T) {
	in := []string{"f0", "f1", "f2", "f3"}
	out, err := PadLeading(in, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"f2", "f2", "f2", "f3"}, out)
	assert.Equal(t, "f0", in[0], "input must not be modified")

	out, err = PadLeading(in, 0)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = PadLeading(in, 4)
	assert.Error(t, err)
}

func TestTooShort(t *testing.T) {
	assert.True(t, TooShort(5, false))
	assert.False(t, TooShort(6, false))
	assert.False(t, TooShort(5, true))
	assert.True(t, TooShort(4, true))
}

func dynamic() *models.Volume {
	v := models.NewVolume(2, 1, 1, 3, [3]float64{2, 2, 2})
	copy(v.Data, []float64{
		1, 2, // frame 0
		3, 4, // frame 1
		5, 6, // frame 2
	})
	return v
}

func TestWeightedAverage(t *testing.T) {
	avg, err := WeightedAverage(dynamic(), []float64{1, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, 1, 1, 1}, avg.Dims)
	assert.InDelta(t, (1+3+10)/4.0, avg.Data[0], 1e-12)
	assert.InDelta(t, (2+4+12)/4.0, avg.Data[1], 1e-12)
	assert.Equal(t, 2.0, avg.Affine.At(0, 0))

	_, err = WeightedAverage(dynamic(), []float64{1, 1})
	assert.ErrorIs(t, err, ErrShape)
	_, err = WeightedAverage(dynamic(), []float64{0, 0, 0})
	assert.Error(t, err)
}

func TestWindowAverage(t *testing.T) {
	tm := models.FrameTiming{Start: []float64{0, 60, 120}, Duration: []float64{60, 60, 180}}

	avg, err := WindowAverage(dynamic(), tm, 80, 300)
	require.NoError(t, err)
	// frames 1 (mid 90) and 2 (mid 210), weights 60 and 180
	assert.InDelta(t, (3*60+5*180)/240.0, avg.Data[0], 1e-12)

	_, err = WindowAverage(dynamic(), tm, 1000, 2000)
	assert.ErrorIs(t, err, ErrNoFrame)

	_, err = WindowAverage(dynamic(), timing(), 0, 100)
	assert.ErrorIs(t, err, ErrShape)
}
