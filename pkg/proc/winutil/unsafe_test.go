package winutil

import "unsafe"

func uintptrOf(c *AMD64CONTEXT) uintptr {
	return uintptr(unsafe.Pointer(c))
}
