package main

import (
	. "github.com/mmcloughlin/avo/build"
	. "github.com/mmcloughlin/avo/operand"
)

func main() {
	TEXT("DotInt8AVX2", NOSPLIT, "func(v1, v2 []int8) int32")
	Pragma("noescape")
	Doc("DotInt8AVX2 computes the int32 dot product of two int8 vectors using AVX2.")
	generateDotInt8()
	Generate()
}

func generateDotInt8() {
	v1Ptr := Load(Param("v1").Base(), GP64())
	v2Ptr := Load(Param("v2").Base(), GP64())
	n := Load(Param("v1").Len(), GP64())

	sumVec := YMM()
	VPXOR(sumVec, sumVec, sumVec)

	Label("loop_dot_i8")
	CMPQ(n, Imm(16))
	JL(LabelRef("remainder_dot_i8"))

	// Widen 16 int8 lanes to int16, multiply-add pairs down to 8 int32
	// lanes, accumulate.
	v1w := YMM()
	v2w := YMM()
	VPMOVSXBW(Mem{Base: v1Ptr}, v1w)
	VPMOVSXBW(Mem{Base: v2Ptr}, v2w)

	prod := YMM()
	VPMADDWD(v2w, v1w, prod)
	VPADDD(prod, sumVec, sumVec)

	ADDQ(Imm(16), v1Ptr)
	ADDQ(Imm(16), v2Ptr)
	SUBQ(Imm(16), n)
	JMP(LabelRef("loop_dot_i8"))

	Label("remainder_dot_i8")
	// Horizontal reduction of the eight int32 lanes.
	hi := XMM()
	VEXTRACTI128(Imm(1), sumVec, hi)
	lo := sumVec.AsX()
	VPADDD(hi, lo, lo)
	tmp := XMM()
	VPSHUFD(Imm(0b01001110), lo, tmp)
	VPADDD(tmp, lo, lo)
	VPSHUFD(Imm(0b10110001), lo, tmp)
	VPADDD(tmp, lo, lo)

	acc := GP32()
	VMOVD(lo, acc)

	// Scalar tail for the last n%16 elements.
	Label("tail_dot_i8")
	CMPQ(n, Imm(0))
	JE(LabelRef("done_dot_i8"))

	a := GP32()
	b := GP32()
	MOVBLSX(Mem{Base: v1Ptr}, a)
	MOVBLSX(Mem{Base: v2Ptr}, b)
	IMULL(b, a)
	ADDL(a, acc)

	ADDQ(Imm(1), v1Ptr)
	ADDQ(Imm(1), v2Ptr)
	SUBQ(Imm(1), n)
	JMP(LabelRef("tail_dot_i8"))

	Label("done_dot_i8")
	Store(acc, ReturnIndex(0))
	RET()
}
