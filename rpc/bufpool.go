package rpc

import "github.com/solidgo/aio/aio"

// freeList is a per-connection stack of recv buffers bounded by
// ConnectionRelayBufferCount (plus headroom for the buffer currently being
// filled): exceeding the bound fails the connection with
// ErrConnectionTooManyRecvBuffers instead of growing unbounded. It is the rpc-package counterpart of aio's internal
// free-list (aio.Buffer already carries the refcount relaying needs; this
// just owns the slice of spares).
type freeList struct {
	spare []*aio.Buffer
	size  int
	made  int
	max   int
}

func newFreeList(size, max int) *freeList {
	if max <= 0 {
		max = 1
	}
	return &freeList{size: size, max: max}
}

// get returns a buffer, making a new one while under max, or nil once the
// bound is reached and nothing has been returned via put.
func (f *freeList) get() *aio.Buffer {
	if n := len(f.spare); n > 0 {
		b := f.spare[n-1]
		f.spare = f.spare[:n-1]
		return b
	}
	if f.made >= f.max {
		return nil
	}
	f.made++
	return aio.MakeBuffer(f.size)
}

func (f *freeList) put(b *aio.Buffer) {
	b.Reset()
	f.spare = append(f.spare, b)
}
