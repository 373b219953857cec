package wayland

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wayland messages are native endian; every platform this runs on is
// little endian.
var order = binary.LittleEndian

const headerSize = 8

// message is one decoded wire message.
type message struct {
	sender uint32
	opcode uint16
	args   []byte
}

// encoder builds the argument payload of a request.
type encoder struct {
	buf []byte
}

func (e *encoder) uint(v uint32) *encoder {
	e.buf = order.AppendUint32(e.buf, v)
	return e
}

// string writes a length (including the NUL terminator) followed by the
// bytes, padded to 32 bits.
func (e *encoder) string(s string) *encoder {
	n := len(s) + 1
	e.buf = order.AppendUint32(e.buf, uint32(n))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
	return e
}

// frame prefixes args with the header for object/opcode.
func frame(object uint32, opcode uint16, args []byte) []byte {
	size := headerSize + len(args)
	out := make([]byte, 0, size)
	out = order.AppendUint32(out, object)
	out = order.AppendUint32(out, uint32(size)<<16|uint32(opcode))
	return append(out, args...)
}

func readMessage(r io.Reader) (message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return message{}, err
	}

	sender := order.Uint32(header[0:4])
	word := order.Uint32(header[4:8])
	size := int(word >> 16)
	if size < headerSize {
		return message{}, fmt.Errorf("invalid message size %d", size)
	}

	args := make([]byte, size-headerSize)
	if _, err := io.ReadFull(r, args); err != nil {
		return message{}, err
	}
	return message{sender: sender, opcode: uint16(word & 0xffff), args: args}, nil
}

// decoder reads event arguments in order.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uint() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 4 {
		d.err = io.ErrUnexpectedEOF
		return 0
	}
	v := order.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) string() string {
	n := int(d.uint())
	if d.err != nil || n == 0 {
		return ""
	}
	padded := (n + 3) &^ 3
	if len(d.buf) < padded {
		d.err = io.ErrUnexpectedEOF
		return ""
	}
	s := string(d.buf[:n-1])
	d.buf = d.buf[padded:]
	return s
}
