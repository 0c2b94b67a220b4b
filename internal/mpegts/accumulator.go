package mpegts

import "errors"

// accumulator holds one in-progress PES access unit for a single elementary
// PID. It exists only between a start-of-unit packet and its completion.
type accumulator struct {
	pid       uint16
	buf       []byte
	header    *PESHeader
	dataStart int
	complete  bool
}

func newAccumulator(pid uint16, payload []byte) *accumulator {
	return &accumulator{
		pid: pid,
		buf: append([]byte(nil), payload...),
	}
}

// add appends a continuation payload and re-evaluates completion. It returns
// an error only when the framing header turns out to be malformed.
func (a *accumulator) add(payload []byte) error {
	a.buf = append(a.buf, payload...)
	return a.update()
}

// update parses the framing header once enough bytes are present and marks
// the accumulator complete when a declared length has been reached.
func (a *accumulator) update() error {
	if a.header == nil {
		h, dataStart, err := parsePESHeader(a.buf)
		if errors.Is(err, errPESNeedMore) {
			return nil
		}
		if err != nil {
			return err
		}
		a.header = h
		a.dataStart = dataStart
	}
	if a.bounded() && len(a.buf) >= a.totalLength() {
		a.complete = true
	}
	return nil
}

// bounded reports whether the framing header declared an explicit length.
func (a *accumulator) bounded() bool {
	return a.header != nil && a.header.PacketLength > 0
}

// totalLength is the declared size of the whole PES packet.
func (a *accumulator) totalLength() int {
	return 6 + a.header.PacketLength
}

// truncated reports whether a length-bounded unit is still short of its
// declared size.
func (a *accumulator) truncated() bool {
	return a.bounded() && !a.complete
}

// accessUnit returns the elementary stream bytes, without the framing header.
func (a *accumulator) accessUnit() []byte {
	if a.header == nil {
		return nil
	}
	end := len(a.buf)
	if a.bounded() && a.totalLength() < end {
		end = a.totalLength()
	}
	if a.dataStart >= end {
		return nil
	}
	return a.buf[a.dataStart:end]
}

// accumulatorPool manages per-PID accumulators; at most one is open per PID.
type accumulatorPool struct {
	accs map[uint16]*accumulator
}

func newAccumulatorPool() *accumulatorPool {
	return &accumulatorPool{accs: make(map[uint16]*accumulator)}
}

// open replaces any accumulator for pid with a fresh one seeded from payload.
func (pp *accumulatorPool) open(pid uint16, payload []byte) *accumulator {
	acc := newAccumulator(pid, payload)
	pp.accs[pid] = acc
	return acc
}

func (pp *accumulatorPool) get(pid uint16) *accumulator {
	return pp.accs[pid]
}

func (pp *accumulatorPool) close(pid uint16) {
	delete(pp.accs, pid)
}

func (pp *accumulatorPool) len() int {
	return len(pp.accs)
}
