package canvas

import "fmt"

const (
	// RecordSize is the size of one drawn record. Byte 0 holds the compact
	// user index; the remaining bytes are opaque client payload.
	RecordSize = 12

	// MaxFrameRecords is the largest record count a frame's one-byte count
	// field can carry.
	MaxFrameRecords = 255
)

// ParseFrame validates a binary data frame of the form
// [count:1][record]*count and returns the declared record count. Bytes past
// the declared records are ignored.
func ParseFrame(raw []byte) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	count := int(raw[0])
	if need := 1 + count*RecordSize; need > len(raw) {
		return 0, fmt.Errorf("%w: %d records need %d bytes, got %d", ErrMalformedFrame, count, need, len(raw))
	}
	return count, nil
}

// StampFrame returns a copy of the first count records of raw, prefixed by
// the count byte, with every record's user index byte set to index.
func StampFrame(raw []byte, count int, index byte) []byte {
	frame := make([]byte, 1+count*RecordSize)
	copy(frame, raw[:len(frame)])
	for i := 0; i < count; i++ {
		frame[1+i*RecordSize] = index
	}
	return frame
}

// chunkFrames splits a run of whole records into frames of at most
// MaxFrameRecords records each and hands every frame to fn in order.
func chunkFrames(records []byte, fn func(frame []byte) error) error {
	total := len(records) / RecordSize
	for start := 0; start < total; start += MaxFrameRecords {
		n := min(total-start, MaxFrameRecords)
		frame := make([]byte, 1+n*RecordSize)
		frame[0] = byte(n)
		copy(frame[1:], records[start*RecordSize:(start+n)*RecordSize])
		if err := fn(frame); err != nil {
			return err
		}
	}
	return nil
}
