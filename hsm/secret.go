package hsm

// A Secret holds plaintext key material for the duration of one operation.
// Callers must Wipe it on every exit path, normally with defer.
type Secret struct {
	b []byte
}

// NewSecret returns a zeroed secret of n bytes.
func NewSecret(n int) *Secret {
	return &Secret{b: make([]byte, n)}
}

// Bytes returns the underlying buffer. It is invalid after Wipe.
func (s *Secret) Bytes() []byte {
	return s.b
}

// Wipe zeroes the buffer. It is safe to call more than once.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	clear(s.b)
	s.b = s.b[:0]
}
