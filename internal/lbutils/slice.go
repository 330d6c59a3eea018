package lbutils

import "sync"

// NewSliceSyncPool returns a pool of pre-allocated or newly allocated
// byte slices of the given size. The proxy loop draws its per-direction
// copy buffers from one of these so a burst of sessions doesn't allocate
// a fresh buffer per direction per connection.
func NewSliceSyncPool(sliceSize int64) *SliceSyncPool {
	s := &SliceSyncPool{
		sliceSize: sliceSize,
		zeroSlice: make([]byte, sliceSize),
	}
	s.New = func() interface{} {
		slice := make([]byte, s.sliceSize)
		return &slice
	}
	return s
}

// SliceSyncPool is a sync pool of equally sized byte slices.
type SliceSyncPool struct {
	sync.Pool
	sliceSize int64
	zeroSlice []byte
}

// Zero zeroes a slice of any length so session bytes don't linger in
// memory between uses.
func (s *SliceSyncPool) Zero(b []byte) {
	if len(b) <= len(s.zeroSlice) {
		copy(b, s.zeroSlice[:len(b)])
	} else {
		for i := range b {
			b[i] = 0
		}
	}
}

// Get returns a new or already allocated slice.
func (s *SliceSyncPool) Get() []byte {
	pslice := s.Pool.Get().(*[]byte)
	return *pslice
}

// Put zeroes the slice and returns it to the pool.
func (s *SliceSyncPool) Put(b []byte) {
	s.Zero(b)
	s.Pool.Put(&b)
}

// Size returns the slice size this pool hands out.
func (s *SliceSyncPool) Size() int64 {
	return s.sliceSize
}
