package mls

import (
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// TLS presentation encoding helpers. Variable-length vectors carry a
// 32-bit byte-length prefix; short fixed fields use 8-bit prefixes.

type marshaler interface {
	marshal(b *cryptobyte.Builder)
}

type unmarshaler interface {
	unmarshal(s *cryptobyte.String) error
}

func marshal(m marshaler) ([]byte, error) {
	var b cryptobyte.Builder
	m.marshal(&b)
	return b.Bytes()
}

func unmarshal(data []byte, u unmarshaler) error {
	s := cryptobyte.String(data)
	if err := u.unmarshal(&s); err != nil {
		return err
	}
	if !s.Empty() {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func writeOpaqueVec(b *cryptobyte.Builder, data []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(data)
	})
}

func readOpaqueVec(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&v) {
		return false
	}
	*out = append([]byte(nil), v...)
	return true
}

func writeOpaqueVec8(b *cryptobyte.Builder, data []byte) {
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(data)
	})
}

func readOpaqueVec8(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return false
	}
	*out = append([]byte(nil), v...)
	return true
}

// writeVector writes n elements inside a 32-bit byte-length prefix.
func writeVector(b *cryptobyte.Builder, n int, f func(b *cryptobyte.Builder, i int)) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := 0; i < n; i++ {
			f(b, i)
		}
	})
}

// readVector invokes f repeatedly until the prefixed region is consumed.
func readVector(s *cryptobyte.String, f func(s *cryptobyte.String) error) error {
	var v cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&v) {
		return io.ErrUnexpectedEOF
	}
	for !v.Empty() {
		if err := f(&v); err != nil {
			return err
		}
	}
	return nil
}

func writeOptional(b *cryptobyte.Builder, present bool) {
	if present {
		b.AddUint8(1)
	} else {
		b.AddUint8(0)
	}
}

func readOptional(s *cryptobyte.String, present *bool) bool {
	var v uint8
	if !s.ReadUint8(&v) || v > 1 {
		return false
	}
	*present = v == 1
	return true
}

func writeUint16Vec(b *cryptobyte.Builder, vals []uint16) {
	writeVector(b, len(vals), func(b *cryptobyte.Builder, i int) {
		b.AddUint16(vals[i])
	})
}

func readUint16Vec(s *cryptobyte.String, out *[]uint16) error {
	*out = nil
	return readVector(s, func(s *cryptobyte.String) error {
		var v uint16
		if !s.ReadUint16(&v) {
			return io.ErrUnexpectedEOF
		}
		*out = append(*out, v)
		return nil
	})
}

func writeUint32Vec(b *cryptobyte.Builder, vals []uint32) {
	writeVector(b, len(vals), func(b *cryptobyte.Builder, i int) {
		b.AddUint32(vals[i])
	})
}

func readUint32Vec(s *cryptobyte.String, out *[]uint32) error {
	*out = nil
	return readVector(s, func(s *cryptobyte.String) error {
		var v uint32
		if !s.ReadUint32(&v) {
			return io.ErrUnexpectedEOF
		}
		*out = append(*out, v)
		return nil
	})
}
