package cdc

// ring is a fixed-capacity byte FIFO. Writes that do not fit are
// truncated and counted as overruns.
type ring struct {
	buf      [MaxRxBufferSize]byte
	head     int // next read
	count    int
	overruns int
}

func (r *ring) len() int { return r.count }

func (r *ring) write(data []byte) int {
	n := 0
	for _, b := range data {
		if r.count == len(r.buf) {
			r.overruns++
			break
		}
		r.buf[(r.head+r.count)%len(r.buf)] = b
		r.count++
		n++
	}
	return n
}

func (r *ring) read(out []byte) int {
	n := 0
	for n < len(out) && r.count > 0 {
		out[n] = r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		n++
	}
	return n
}

func (r *ring) reset() {
	r.head, r.count = 0, 0
}
