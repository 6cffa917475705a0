package stream

import (
	"bytes"

	"golang.org/x/crypto/blake2b"
)

// Handle is an imported buffer handle: opaque backing storage plus a
// stable identity token. Two handles are the same buffer exactly when
// their identity digests match, which lets the buffer cache distinguish a
// benign re-import from a protocol violation.
type Handle struct {
	token  []byte
	data   []byte
	digest [32]byte
}

// NewHandle imports a handle from its opaque identity token and allocates
// size bytes of backing storage.
func NewHandle(token []byte, size int) (*Handle, error) {
	if len(token) == 0 {
		return nil, ErrInvalidHandle
	}
	if size < 0 {
		return nil, ErrInvalidHandle
	}
	h := &Handle{
		token:  bytes.Clone(token),
		data:   make([]byte, size),
		digest: blake2b.Sum256(token),
	}
	return h, nil
}

// Digest returns the identity digest of the handle.
func (h *Handle) Digest() [32]byte {
	return h.digest
}

// Data returns the backing storage. The slice aliases the handle; callers
// must respect the buffer ownership rules.
func (h *Handle) Data() []byte {
	return h.data
}

// Size returns the byte length of the backing storage.
func (h *Handle) Size() int {
	return len(h.data)
}

// Same reports whether other refers to the same underlying buffer.
func (h *Handle) Same(other *Handle) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.digest == other.digest
}
