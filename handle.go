package georaster

// nativeRef counts the handles sharing one native dataset
type nativeRef struct {
	ds     NativeDataset
	refs   int
	closed bool
}

func (r *nativeRef) destroy() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.ds.Close()
}

// handle owns one reference on a native dataset. A view handle additionally
// holds a reference on the handle it was derived from, released once the
// view itself is gone.
//
// release dereferences: the native dataset is only destroyed when the last
// reference goes away. close destroys the native dataset immediately. A
// Dataset always releases its base handle and closes its active one.
type handle struct {
	ref    *nativeRef
	parent *handle
	done   bool
}

func newHandle(ds NativeDataset) *handle {
	return &handle{ref: &nativeRef{ds: ds, refs: 1}}
}

// newViewHandle wraps a dataset synthesized on top of base
func newViewHandle(view NativeDataset, base *handle) *handle {
	h := newHandle(view)
	h.parent = base.share()
	return h
}

func (h *handle) native() NativeDataset {
	return h.ref.ds
}

// share returns a new handle on the same native dataset
func (h *handle) share() *handle {
	h.ref.refs++
	return &handle{ref: h.ref}
}

// same reports whether h and o share their native dataset
func (h *handle) same(o *handle) bool {
	return h != nil && o != nil && h.ref == o.ref
}

func (h *handle) release() error {
	if h == nil || h.done {
		return nil
	}
	h.done = true
	h.ref.refs--
	var err error
	if h.ref.refs <= 0 {
		err = h.ref.destroy()
	}
	return h.releaseParent(err)
}

func (h *handle) close() error {
	if h == nil || h.done {
		return nil
	}
	h.done = true
	h.ref.refs--
	return h.releaseParent(h.ref.destroy())
}

func (h *handle) releaseParent(err error) error {
	if h.parent == nil {
		return err
	}
	if perr := h.parent.release(); err == nil {
		err = perr
	}
	h.parent = nil
	return err
}
