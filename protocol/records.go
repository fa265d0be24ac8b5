package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Records (a batch of) as a very universal primitive, especially
// for database/network op/frame processing. Batching allows
// for writev() and other performance optimizations.
// Records converts easily to net.Buffers. Here every record
// is one newline-terminated frame.
type Records [][]byte

var ErrIncomplete = errors.New("incomplete data")
var ErrFrameTooLong = errors.New("frame too long")

// MaxFrameLen bounds a single frame on the wire.
const MaxFrameLen = 1 << 20

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// Split takes all the complete lines out of the buffer. A trailing
// partial line stays in the buffer and is reported as ErrIncomplete.
// Empty lines are skipped.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		i := bytes.IndexByte(data.Bytes(), '\n')
		if i < 0 {
			if data.Len() > MaxFrameLen {
				return recs, fmt.Errorf("%w: %d bytes without a line break", ErrFrameTooLong, data.Len())
			}
			return recs, ErrIncomplete
		}
		line := data.Next(i + 1)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec := make([]byte, len(line))
		copy(rec, line)
		recs = append(recs, rec)
	}
	return
}
