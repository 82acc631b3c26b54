package generation

// Source is a lazy sequence of raw fragments produced by a backend. A
// fragment may be a plain string or a structured chunk (newer chat APIs emit
// lists of typed parts); the invoker normalizes it before anything
// downstream sees it.
type Source interface {
	Next() bool
	Current() any
	Err() error
}

// Stream is the uniform fragment sequence handed to callers: plain text,
// one fragment per Next. A single-completion backend yields exactly one
// fragment equal to the full completion. Fragments may be empty after
// normalization; callers skip those.
type Stream struct {
	src Source
	cur string
}

func newStream(src Source) *Stream {
	return &Stream{src: src}
}

func (s *Stream) Next() bool {
	if !s.src.Next() {
		return false
	}
	s.cur = FragmentText(s.src.Current())
	return true
}

func (s *Stream) Current() string {
	return s.cur
}

func (s *Stream) Err() error {
	if err := s.src.Err(); err != nil {
		return NewError(err)
	}
	return nil
}

// singleSource yields exactly one fragment.
type singleSource struct {
	value any
	done  bool
}

// SingleSource adapts a synchronous completion into a one-element source.
func SingleSource(value any) Source {
	return &singleSource{value: value}
}

func (s *singleSource) Next() bool {
	if s.done {
		return false
	}
	s.done = true
	return true
}

func (s *singleSource) Current() any { return s.value }
func (s *singleSource) Err() error   { return nil }

// sliceSource yields a fixed fragment sequence, optionally ending in an
// error. Used by tests and fake backends.
type sliceSource struct {
	fragments []any
	idx       int
	err       error
}

func SliceSource(fragments []any, err error) Source {
	return &sliceSource{fragments: fragments, idx: -1, err: err}
}

func (s *sliceSource) Next() bool {
	if s.idx+1 >= len(s.fragments) {
		return false
	}
	s.idx++
	return true
}

func (s *sliceSource) Current() any { return s.fragments[s.idx] }

func (s *sliceSource) Err() error {
	if s.idx+1 >= len(s.fragments) {
		return s.err
	}
	return nil
}
