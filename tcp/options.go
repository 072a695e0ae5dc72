package tcp

import "errors"

var (
	errShortOptionBuffer = errors.New("tcp: short option buffer")
	errOptionLength       = errors.New("tcp: invalid option length field")
	errOptionKind         = errors.New("tcp: invalid option kind for PutOption")
)

// OptionCodec encodes and decodes TCP header options (RFC 9293 §3.1,
// RFC 7323, RFC 2018). The zero value is ready to use.
type OptionCodec struct {
	Flags OptionFlags
}

// OptionFlags tune OptionCodec's leniency during decode.
type OptionFlags uint8

const (
	// OptFlagSkipSizeValidation disables the fixed-size check for options
	// with a well known length (MSS, window scale, SACK-permitted, timestamps).
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
	// OptFlagSkipObsolete causes ForEachOption to not invoke fn for options
	// marked obsolete by [OptionKind.IsObsolete].
	OptFlagSkipObsolete
)

// HasAny reports whether any bit in ofTheseFlags is set.
func (flags OptionFlags) HasAny(ofTheseFlags OptionFlags) bool {
	return flags&ofTheseFlags != 0
}

// PutOption16 encodes a 2-byte option value.
func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

// PutOption32 encodes a 4-byte option value, such as a timestamp field.
func (op OptionCodec) PutOption32(dst []byte, kind OptionKind, v uint32) (int, error) {
	return op.PutOption(dst, kind, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// PutOption encodes an option of arbitrary data length, prefixed with its
// kind and total length (including the kind/length bytes themselves).
func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	switch {
	case len(dst) < putSize:
		return -1, errShortOptionBuffer
	case putSize > 255:
		return -1, errOptionLength
	case kind == OptNop || kind == OptEnd:
		return -1, errOptionKind
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

// ForEachOption walks opts invoking fn for every option found, stopping
// early at the end-of-options marker or a malformed length. A malformed
// option stops the walk with an error; whether the segment itself is still
// admitted is the caller's call.
func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	skipSizeValidation := op.Flags.HasAny(OptFlagSkipSizeValidation)
	skipObsolete := op.Flags.HasAny(OptFlagSkipObsolete)
	for off < len(opts) && opts[off] != 0 {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 1 {
			return errShortOptionBuffer
		}
		size := int(opts[off]) // Total option length including kind and length bytes.
		off++
		dataLen := size - 2 // Data bytes after kind and length.
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return errShortOptionBuffer
		}

		if !skipSizeValidation {
			expectSize := -1
			switch kind {
			case OptTimestamps:
				expectSize = 10
			case OptMaxSegmentSize, OptUserTimeout:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			}
			if expectSize != -1 && size != expectSize {
				return errOptionLength
			}
		}
		if !(skipObsolete && kind.IsObsolete()) {
			err := fn(kind, opts[off:off+dataLen])
			if err != nil {
				return err
			}
		}
		off += dataLen
	}
	return nil
}
