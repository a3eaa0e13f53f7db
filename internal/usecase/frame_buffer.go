package usecase

// frameBuffer holds frames captured while the session cannot stream yet.
// When full, the oldest frame is dropped.
type frameBuffer struct {
	frames [][]byte
	limit  int
}

func newFrameBuffer(limit int) *frameBuffer {
	return &frameBuffer{limit: limit}
}

// Push appends a frame and reports whether an older frame was dropped.
func (b *frameBuffer) Push(frame []byte) bool {
	if b.limit <= 0 {
		return true
	}
	dropped := false
	if len(b.frames) >= b.limit {
		b.frames[0] = nil
		b.frames = b.frames[1:]
		dropped = true
	}
	b.frames = append(b.frames, frame)
	return dropped
}

// Unshift puts a frame back at the head, used when a send fails mid-stream.
func (b *frameBuffer) Unshift(frame []byte) {
	if b.limit <= 0 {
		return
	}
	b.frames = append([][]byte{frame}, b.frames...)
	if len(b.frames) > b.limit {
		b.frames = b.frames[1:]
	}
}

// Drain returns the buffered frames in arrival order and empties the buffer.
func (b *frameBuffer) Drain() [][]byte {
	out := b.frames
	b.frames = nil
	return out
}

func (b *frameBuffer) Len() int {
	return len(b.frames)
}
