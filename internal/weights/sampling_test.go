package weights

import (
	"math/rand"
	"testing"
)

func TestSampleBeta_WithinUnitInterval(t *testing.T) {
	o := &Optimizer{rng: rand.New(rand.NewSource(3))}

	for i := 0; i < 1000; i++ {
		v := o.sampleBeta(2, 5)
		if v < 0 || v > 1 {
			t.Fatalf("beta sample out of [0,1]: %f", v)
		}
	}
}

func TestSampleBeta_MeanTracksPosterior(t *testing.T) {
	o := &Optimizer{rng: rand.New(rand.NewSource(3))}

	// Beta(8,2) 的期望为 0.8，大样本均值应接近。
	sum := 0.0
	n := 5000
	for i := 0; i < n; i++ {
		sum += o.sampleBeta(8, 2)
	}
	mean := sum / float64(n)
	if mean < 0.75 || mean > 0.85 {
		t.Errorf("sample mean %f too far from 0.8", mean)
	}

	// 对称先验 Beta(1,1) 均值应接近 0.5。
	sum = 0
	for i := 0; i < n; i++ {
		sum += o.sampleBeta(1, 1)
	}
	mean = sum / float64(n)
	if mean < 0.45 || mean > 0.55 {
		t.Errorf("uniform prior mean %f too far from 0.5", mean)
	}
}

func TestSampleBeta_ShapeBelowOne(t *testing.T) {
	o := &Optimizer{rng: rand.New(rand.NewSource(3))}

	for i := 0; i < 1000; i++ {
		v := o.sampleBeta(0.5, 0.5)
		if v < 0 || v > 1 {
			t.Fatalf("beta sample with shape<1 out of [0,1]: %f", v)
		}
	}
}
