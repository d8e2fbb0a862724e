package asyncarray

import "unsafe"

// Scalar constrains array elements to fixed-size numeric types that
// can be copied between host and device as raw bytes.
type Scalar interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func sizeOf[T Scalar]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// asBytes views a scalar slice as its underlying bytes without copying
func asBytes[T Scalar](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*sizeOf[T]())
}
