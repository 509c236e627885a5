// Package distance provides similarity kernels for the vector encodings used
// by the HNSW index: full precision float32, 8-bit symmetric-range quantized
// integers, and 1-bit sign quantization packed into 64-bit words.
//
// The package uses build tags and runtime CPU detection to dispatch to the
// fastest implementation available (vek AVX2 routines, Gonum BLAS, or an
// avo-generated int8 kernel), with pure Go fallbacks. Every code path must
// produce the same distance value for the same inputs so that search results
// are reproducible across hardware.
package distance

import (
	"math/bits"

	"github.com/charmbracelet/log"
	"github.com/klauspost/cpuid/v2"
	"github.com/viterin/vek/vek32"
	"gonum.org/v1/gonum/blas/gonum"
)

// Quantization selects the per-index vector encoding. It is fixed at index
// creation and applies uniformly to every stored vector.
type Quantization uint8

const (
	// None stores vectors as raw float32 components.
	None Quantization = iota
	// Q8 stores vectors as int8 with a per-vector symmetric range.
	Q8
	// Bin stores only the sign of each component, packed into uint64 words.
	Bin
)

// String returns the encoding name used in logs and snapshots.
func (q Quantization) String() string {
	switch q {
	case None:
		return "f32"
	case Q8:
		return "q8"
	case Bin:
		return "bin"
	}
	return "unknown"
}

// Valid reports whether q is one of the supported encodings.
func (q Quantization) Valid() bool {
	return q <= Bin
}

// Kernel function variables. Populated with the reference implementations and
// overridden once in init with the fastest variant the CPU supports. They are
// never reassigned after init, so reads need no synchronization.
var (
	dotF32 func(a, b []float32) float32 = dotF32Go
	dotI8  func(a, b []int8) int32      = dotI8Go
)

// simdMinDim is the shortest vector worth handing to a SIMD kernel. Below
// this the call overhead dominates and the scalar loop wins.
const simdMinDim = 16

var gonumEngine = gonum.Implementation{}

func init() {
	f32Impl := "pure go"
	if cpuid.CPU.Has(cpuid.AVX2) {
		dotF32 = dotF32Vek
		f32Impl = "vek (AVX2)"
	} else if cpuid.CPU.Has(cpuid.SSE2) {
		dotF32 = dotF32Gonum
		f32Impl = "gonum (BLAS)"
	}
	log.Debug("vector kernels selected", "f32", f32Impl, "bin", "popcount")
}

// DistanceF32 returns the cosine-equivalent distance 1 - dot(a, b) for two
// normalized float32 vectors. The slices must have the same length.
func DistanceF32(a, b []float32) float32 {
	return 1 - dotF32(a, b)
}

// DistanceQ8 returns the distance between two int8-quantized vectors with
// per-vector ranges ra and rb. The integer dot product is rescaled by the
// product of both quantization steps and the result is clamped to [0, 2].
// A zero range means the source vector was all zeros; the dot product is
// zero by construction, so the distance is exactly 1.
func DistanceQ8(a, b []int8, ra, rb float32) float32 {
	if ra == 0 || rb == 0 {
		return 1
	}
	dot := float32(dotI8(a, b)) * (ra / 127) * (rb / 127)
	dist := 1 - dot
	if dist < 0 {
		return 0
	}
	if dist > 2 {
		return 2
	}
	return dist
}

// DistanceBin returns the Hamming distance between two sign-packed vectors,
// scaled into [0, 2] so it is comparable with the other encodings. dim is
// the unpacked dimensionality.
func DistanceBin(a, b []uint64, dim int) float32 {
	var opposite int
	for i := range a {
		opposite += bits.OnesCount64(a[i] ^ b[i])
	}
	return float32(opposite) * 2 / float32(dim)
}

// dotF32Go is the pure Go reference dot product, unrolled by eight with two
// accumulators to break the dependency chain.
func dotF32Go(a, b []float32) float32 {
	var s0, s1 float32
	i := 0
	for ; i+8 <= len(a); i += 8 {
		s0 += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
		s1 += a[i+4]*b[i+4] + a[i+5]*b[i+5] + a[i+6]*b[i+6] + a[i+7]*b[i+7]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1
}

func dotF32Vek(a, b []float32) float32 {
	if len(a) < simdMinDim {
		return dotF32Go(a, b)
	}
	return vek32.Dot(a, b)
}

func dotF32Gonum(a, b []float32) float32 {
	if len(a) < simdMinDim {
		return dotF32Go(a, b)
	}
	return gonumEngine.Sdot(len(a), a, 1, b, 1)
}

// dotI8Go is the pure Go reference int8 dot product. Same unrolling scheme
// as the float kernel; products are widened to int32 before accumulation.
func dotI8Go(a, b []int8) int32 {
	var s0, s1 int32
	i := 0
	for ; i+8 <= len(a); i += 8 {
		s0 += int32(a[i])*int32(b[i]) + int32(a[i+1])*int32(b[i+1]) +
			int32(a[i+2])*int32(b[i+2]) + int32(a[i+3])*int32(b[i+3])
		s1 += int32(a[i+4])*int32(b[i+4]) + int32(a[i+5])*int32(b[i+5]) +
			int32(a[i+6])*int32(b[i+6]) + int32(a[i+7])*int32(b[i+7])
	}
	for ; i < len(a); i++ {
		s0 += int32(a[i]) * int32(b[i])
	}
	return s0 + s1
}
