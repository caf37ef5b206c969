package registration

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// rotation returns a rotation of angle radians about z followed by one about x
func rotation(t *testing.T, az, ax float64) Affine {
	t.Helper()
	cz, sz := math.Cos(az), math.Sin(az)
	cx, sx := math.Cos(ax), math.Sin(ax)
	rz := mat.NewDense(4, 4, []float64{
		cz, -sz, 0, 0,
		sz, cz, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	rx := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, cx, -sx, 0,
		0, sx, cx, 0,
		0, 0, 0, 1,
	})
	var m mat.Dense
	m.Mul(rx, rz)
	a, err := NewAffine(&m)
	require.NoError(t, err)
	return a
}

func TestEvaluateFallbackScenarios(t *testing.T) {
	tests := []struct {
		name      string
		shift     r3.Vec
		threshold float64
		wantDisp  float64
		wantFall  bool
	}{
		{"large shift falls back", r3.Vec{X: 20}, 15, 20, true},
		{"small shift is kept", r3.Vec{X: 5}, 15, 5, false},
		{"equal to threshold is kept", r3.Vec{X: 15}, 15, 15, false},
		{"diagonal shift", r3.Vec{X: 3, Y: 4}, 4.9, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback, disp, err := EvaluateFallback(Translation(tt.shift), Identity(), tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFall, fallback)
			assert.InDelta(t, tt.wantDisp, disp, 1e-12)
		})
	}
}

func TestIdenticalTransformsNeverFallBack(t *testing.T) {
	for _, a := range []Affine{Identity(), Translation(r3.Vec{X: 1, Y: -2, Z: 3}), rotation(t, 0.3, -0.2)} {
		fallback, disp, err := EvaluateFallback(a, a, DefaultThresholdMM)
		require.NoError(t, err)
		assert.False(t, fallback)
		assert.Equal(t, 0.0, disp)

		fallback, disp, err = EvaluateFallback(a, a, 0)
		require.NoError(t, err)
		assert.False(t, fallback, "zero displacement never exceeds a zero threshold")
		assert.Equal(t, 0.0, disp)
	}
}

func TestTranslationDivergenceEqualsMagnitude(t *testing.T) {
	base := rotation(t, 0.4, 0.1)
	for _, v := range []r3.Vec{{X: 1}, {X: -3, Y: 4}, {X: 2, Y: 2, Z: 1}, {Z: 30}} {
		shifted := Translation(v).Compose(base)
		_, disp, err := EvaluateFallback(shifted, base, DefaultThresholdMM)
		require.NoError(t, err)
		assert.InDelta(t, r3.Norm(v), disp, 1e-9)
	}
}

func TestDisplacementIsSymmetric(t *testing.T) {
	a := Translation(r3.Vec{X: 4, Y: -1}).Compose(rotation(t, 0.2, 0.05))
	b := rotation(t, -0.1, 0.3)

	f1, d1, err := EvaluateFallback(a, b, 10)
	require.NoError(t, err)
	f2, d2, err := EvaluateFallback(b, a, 10)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, f1, f2)
}

func TestThresholdMonotonicity(t *testing.T) {
	a := Translation(r3.Vec{Y: 12}).Compose(rotation(t, 0.15, 0))
	b := Identity()

	seenKeep := false
	for th := 0.0; th <= 60; th += 0.5 {
		fallback, _, err := EvaluateFallback(a, b, th)
		require.NoError(t, err)
		if seenKeep {
			assert.False(t, fallback, "threshold %.1f flipped back to fallback", th)
		}
		if !fallback {
			seenKeep = true
		}
	}
	assert.True(t, seenKeep)
}

func TestRotationUsesProbeGeometry(t *testing.T) {
	// A 90 degree turn about z sends (0, -110, 0) to (110, 0, 0): distance 110*sqrt(2)
	rot := rotation(t, math.Pi/2, 0)
	_, disp, err := EvaluateFallback(rot, Identity(), DefaultThresholdMM)
	require.NoError(t, err)
	assert.InDelta(t, 110*math.Sqrt2, disp, 1e-9)

	cube := Evaluator{Probes: CubeProbes(50), ThresholdMM: DefaultThresholdMM}
	d, err := cube.Evaluate(rot, Identity())
	require.NoError(t, err)
	assert.InDelta(t, 50*math.Sqrt2, d.MaxDisplacementMM, 1e-9)
	assert.True(t, d.UseFallback)
	assert.Equal(t, 1, d.Index())
}

func TestEvaluateFallbackErrors(t *testing.T) {
	huge, err := AffineFromRows([][]float64{
		{1e308, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	})
	require.NoError(t, err)

	_, _, err = EvaluateFallback(huge, Identity(), DefaultThresholdMM)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNumeric))
	var numErr *NumericError
	require.True(t, errors.As(err, &numErr))
	assert.Equal(t, 0, numErr.Probe)

	_, _, err = EvaluateFallback(Affine{}, Identity(), DefaultThresholdMM)
	assert.ErrorIs(t, err, ErrInvalidTransform)

	_, _, err = EvaluateFallback(Identity(), Identity(), -1)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, _, err = EvaluateFallback(Identity(), Identity(), math.NaN())
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestConcurrentEvaluation(t *testing.T) {
	ev := NewEvaluator(DefaultThresholdMM)
	a := Translation(r3.Vec{X: 20})
	b := Identity()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := ev.Evaluate(a, b)
			assert.NoError(t, err)
			assert.True(t, d.UseFallback)
			assert.Equal(t, 20.0, d.MaxDisplacementMM)
		}()
	}
	wg.Wait()
}
