package table

// Sequence hands out ids First, First+Step, ... up to Last, then wraps back to
// First. It is only used under the lock of the table it allocates for.
type Sequence struct {
	First uint32
	Step  uint32
	Last  uint32

	cur     uint32
	started bool
}

// ClientSequence is the id space of the requesting side: even ids from 2.
// Odd ids stay reserved for requests initiated by the serving side.
func ClientSequence() *Sequence {
	return &Sequence{First: 2, Step: 2, Last: 1<<32 - 2}
}

// next returns the first id after the previous one that used reports free.
func (s *Sequence) next(used func(uint32) bool) (uint32, bool) {
	step := uint64(s.Step)
	if step == 0 {
		step = 1
	}
	if s.Last < s.First {
		return 0, false
	}
	size := (uint64(s.Last)-uint64(s.First))/step + 1

	for i := uint64(0); i < size; i++ {
		if !s.started || uint64(s.cur)+step > uint64(s.Last) {
			s.cur = s.First
			s.started = true
		} else {
			s.cur += uint32(step)
		}
		if !used(s.cur) {
			return s.cur, true
		}
	}
	return 0, false
}
