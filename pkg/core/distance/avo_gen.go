//go:build amd64

package distance

// DotInt8AVX2 computes the int32 dot product of two int8 vectors using AVX2.
//
//go:generate go run ./gen -stubs ./stubs_avo.go -out ./distance_avo.s
//func DotInt8AVX2(v1 []int8, v2 []int8) int32
