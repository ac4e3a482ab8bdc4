package container

import (
	"encoding/binary"
	"unsafe"
)

var order binary.ByteOrder

func init() {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		order = binary.LittleEndian
	} else {
		order = binary.BigEndian
	}
}
