package control

import "encoding/binary"

// AppendFrame appends an encoded "<verb>;<arg>" frame to dst.
func AppendFrame(dst []byte, verb, arg string) []byte {
	payload := verb + ";" + arg
	var hdr [headerSize]byte
	hdr[0] = Tag
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
