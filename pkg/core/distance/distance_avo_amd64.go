//go:build avo && amd64

package distance

import (
	"github.com/charmbracelet/log"
	"github.com/klauspost/cpuid/v2"
)

func dotI8AVX2(a, b []int8) int32 {
	if len(a) < simdMinDim {
		return dotI8Go(a, b)
	}
	return DotInt8AVX2(a, b)
}

func init() {
	if cpuid.CPU.Has(cpuid.AVX2) {
		dotI8 = dotI8AVX2
		log.Debug("vector kernels selected", "i8", "avo (AVX2)")
	}
}
