package digitizer

import (
	"encoding/binary"
	"fmt"
)

// AssembleCodes converts a raw sample block into integer codes according to
// the width, signedness and byte order of the descriptor.
func AssembleCodes(block []byte, s ScalingDescriptor) ([]int32, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(block)%s.SampleWidth != 0 {
		return nil, fmt.Errorf("assembling codes: block length %d is not a multiple of sample width %d", len(block), s.SampleWidth)
	}

	codes := make([]int32, len(block)/s.SampleWidth)

	if s.SampleWidth == 1 {
		for i, b := range block {
			if s.Signed {
				codes[i] = int32(int8(b))
			} else {
				codes[i] = int32(b)
			}
		}
		return codes, nil
	}

	var order binary.ByteOrder = binary.BigEndian
	if s.ByteOrder == LittleEndian {
		order = binary.LittleEndian
	}

	for i := range codes {
		word := order.Uint16(block[i*2:])
		if s.Signed {
			codes[i] = int32(int16(word))
		} else {
			codes[i] = int32(word)
		}
	}
	return codes, nil
}

// EncodeCodes is the inverse of AssembleCodes. Codes outside the representable
// range of the sample format are rejected.
func EncodeCodes(codes []int32, s ScalingDescriptor) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	lo, hi := codeRange(s)
	block := make([]byte, len(codes)*s.SampleWidth)

	var order binary.ByteOrder = binary.BigEndian
	if s.ByteOrder == LittleEndian {
		order = binary.LittleEndian
	}

	for i, c := range codes {
		if c < lo || c > hi {
			return nil, fmt.Errorf("encoding codes: code %d at index %d out of range [%d, %d]", c, i, lo, hi)
		}
		if s.SampleWidth == 1 {
			block[i] = byte(c)
			continue
		}
		order.PutUint16(block[i*2:], uint16(c))
	}
	return block, nil
}

func codeRange(s ScalingDescriptor) (lo, hi int32) {
	switch {
	case s.SampleWidth == 1 && s.Signed:
		return -128, 127
	case s.SampleWidth == 1:
		return 0, 255
	case s.Signed:
		return -32768, 32767
	default:
		return 0, 65535
	}
}
