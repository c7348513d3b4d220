package canvas

// recordLog is the append-only content of one canvas. It is not safe for
// concurrent use; the owning Session guards it with its mutex and never
// hands the underlying buffer out.
type recordLog struct {
	buf []byte
}

func newRecordLog(snapshot []byte) *recordLog {
	// Drop a trailing partial record left by a truncated write.
	whole := len(snapshot) - len(snapshot)%RecordSize
	buf := make([]byte, whole, max(whole, 64*RecordSize))
	copy(buf, snapshot[:whole])
	return &recordLog{buf: buf}
}

// lineCount is the number of records in the log.
func (l *recordLog) lineCount() int {
	return len(l.buf) / RecordSize
}

// append adds whole records to the end of the log.
func (l *recordLog) append(records []byte) {
	l.buf = append(l.buf, records...)
}

// frames replays the log from position start as count-prefixed frames.
func (l *recordLog) frames(start int, fn func(frame []byte) error) error {
	if start < 0 || start > l.lineCount() {
		start = 0
	}
	return chunkFrames(l.buf[start*RecordSize:], fn)
}

// snapshot returns a private copy of the log bytes.
func (l *recordLog) snapshot() []byte {
	out := make([]byte, len(l.buf))
	copy(out, l.buf)
	return out
}

// reset replaces the log with an empty one.
func (l *recordLog) reset() {
	l.buf = make([]byte, 0, 64*RecordSize)
}

// release drops the buffer once the session is closed.
func (l *recordLog) release() {
	l.buf = nil
}
