package pointer

import (
	"encoding/binary"
	"unsafe"
)

// init resolves nativeOrder once, matching the external interface's
// "host-native endianness" requirement: pointers are never expected to
// cross machines, only processes, so the wire format simply mirrors
// whatever the host CPU uses.
func init() {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		nativeOrder = binary.LittleEndian
	} else {
		nativeOrder = binary.BigEndian
	}
}
