package distance

// Normalization and the two lossy encoders: per-vector symmetric int8
// quantization and 1-bit sign packing. Both keep enough side information
// (the quantization range, the pre-normalization magnitude) to reconstruct
// an approximation of the original vector later.

import "math"

// Normalize divides v by its L2 magnitude in place and returns the magnitude
// that was divided out, so the caller can undo the normalization when
// reconstructing the vector. A zero vector is left unchanged and 0 is
// returned.
func Normalize(v []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(v); i += 4 {
		s0 += v[i] * v[i]
		s1 += v[i+1] * v[i+1]
		s2 += v[i+2] * v[i+2]
		s3 += v[i+3] * v[i+3]
	}
	for ; i < len(v); i++ {
		s0 += v[i] * v[i]
	}
	sum := s0 + s1 + s2 + s3
	if sum == 0 {
		return 0
	}
	l2 := float32(math.Sqrt(float64(sum)))
	for i := range v {
		v[i] /= l2
	}
	return l2
}

// QuantizeQ8 converts a float32 vector into int8 with a symmetric per-vector
// scale. The returned range is the largest absolute component; each value is
// mapped from [-range, range] onto [-127, 127]. An all-zero vector yields a
// zero range and an all-zero quantized vector.
func QuantizeQ8(v []float32) ([]int8, float32) {
	var maxAbs float32
	for _, x := range v {
		a := x
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	q := make([]int8, len(v))
	if maxAbs == 0 {
		return q, 0
	}
	scale := 127 / maxAbs
	for i, x := range v {
		q[i] = int8(math.Round(float64(x * scale)))
	}
	return q, maxAbs
}

// DequantizeQ8 appends the approximate float32 components of a quantized
// vector to dst and returns the extended slice.
func DequantizeQ8(dst []float32, q []int8, rng float32) []float32 {
	for _, x := range q {
		dst = append(dst, float32(x)*rng/127)
	}
	return dst
}

// BinWords returns the number of uint64 words needed to sign-pack a vector
// of the given dimensionality.
func BinWords(dim int) int {
	return (dim + 63) / 64
}

// PackBits converts a float32 vector into its 1-bit sign encoding: bit i of
// the packed words is set when component i is non-negative.
func PackBits(v []float32) []uint64 {
	w := make([]uint64, BinWords(len(v)))
	for i, x := range v {
		if x >= 0 {
			w[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return w
}

// UnpackBits appends the +1/-1 reconstruction of a sign-packed vector to dst
// and returns the extended slice.
func UnpackBits(dst []float32, w []uint64, dim int) []float32 {
	for i := 0; i < dim; i++ {
		if w[i/64]&(1<<(uint(i)%64)) != 0 {
			dst = append(dst, 1)
		} else {
			dst = append(dst, -1)
		}
	}
	return dst
}
