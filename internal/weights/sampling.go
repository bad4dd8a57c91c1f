package weights

import "math"

// sampleBeta 通过两次 Gamma 采样得到 Beta(a,b) 抽样。
// 调用方必须持有 o.mu，rng 不可并发使用。
func (o *Optimizer) sampleBeta(a, b float64) float64 {
	x := o.sampleGamma(a)
	y := o.sampleGamma(b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma 为 Marsaglia-Tsang 平方挤压法的 Gamma(shape,1) 采样，
// shape<1 时用 Gamma(shape+1) 抽样加幂变换提升。
func (o *Optimizer) sampleGamma(shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		u := o.rng.Float64()
		for u == 0 {
			u = o.rng.Float64()
		}
		return o.sampleGamma(shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)

	for {
		x := o.rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := o.rng.Float64()

		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
