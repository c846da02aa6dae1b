package pipeline

// Scheduler is the speaker-order filter between the TTS worker and the
// client. Chunks for the current speaker pass through immediately;
// chunks for later speakers are buffered until every earlier speaker has
// delivered its end-of-stream sentinel. It is a pure function of its
// input sequence and initial state.
type Scheduler struct {
	current int
	buffers map[int][]AudioChunk
}

func NewScheduler() *Scheduler {
	return &Scheduler{buffers: make(map[int][]AudioChunk)}
}

// Admit feeds one chunk and returns the chunks released for emission, in
// order. Chunks behind the current speaker are late arrivals from an
// interrupted or already-advanced stream and are dropped.
func (s *Scheduler) Admit(c AudioChunk) []AudioChunk {
	switch {
	case c.SpeakerIndex < s.current:
		return nil
	case c.SpeakerIndex > s.current:
		s.buffers[c.SpeakerIndex] = append(s.buffers[c.SpeakerIndex], c)
		return nil
	}
	released := []AudioChunk{c}
	if c.Final {
		s.current++
		released = append(released, s.flush()...)
	}
	return released
}

// flush releases buffered speakers that became current. Each released
// sentinel advances the cursor again; the cascade stops at the first
// speaker with no buffer or whose buffer ends without a sentinel.
func (s *Scheduler) flush() []AudioChunk {
	var out []AudioChunk
	for {
		buf, ok := s.buffers[s.current]
		if !ok {
			return out
		}
		delete(s.buffers, s.current)
		advanced := false
		for _, c := range buf {
			out = append(out, c)
			if c.Final {
				s.current++
				advanced = true
			}
		}
		if !advanced {
			return out
		}
	}
}

// CurrentSpeaker returns the speaker index currently being released.
func (s *Scheduler) CurrentSpeaker() int {
	return s.current
}

// Reset returns the scheduler to its initial state, discarding buffers.
func (s *Scheduler) Reset() {
	s.current = 0
	s.buffers = make(map[int][]AudioChunk)
}
