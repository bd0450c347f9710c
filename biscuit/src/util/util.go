// Package util contains small numeric helpers shared by the hugepage
// allocator: pfn/section-count quantization is all Rounddown/Roundup
// arithmetic, so it lives here rather than being duplicated per package.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// DivRoundUp divides v by b, rounding the quotient up. Used to derive a
// node's section count from its spanned pages, mirroring the original
// hpa.c get_section_num's "(nr_pages + ((1<<11)-1)) >> 11" shape for an
// arbitrary divisor instead of a hardcoded shift.
func DivRoundUp[T Int](v, b T) T {
	return Roundup(v, b) / b
}
