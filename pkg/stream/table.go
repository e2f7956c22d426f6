package stream

// Table is one process's descriptor table.
type Table struct {
	pool  *Pool
	slots []*FCB
}

// NewTable creates an empty table of size slots drawing blocks from pool.
func NewTable(pool *Pool, size int) *Table {
	return &Table{pool: pool, slots: make([]*FCB, size)}
}

// Size returns the number of slots.
func (t *Table) Size() int {
	return len(t.slots)
}

// Open returns the number of occupied slots.
func (t *Table) Open() int {
	n := 0
	for _, f := range t.slots {
		if f != nil {
			n++
		}
	}
	return n
}

// Reserve claims n free slots and n fresh blocks, each with one
// reference. Either all n are reserved or nothing changes.
func (t *Table) Reserve(n int) ([]FID, []*FCB, error) {
	fids := make([]FID, 0, n)
	for i := range t.slots {
		if len(fids) == n {
			break
		}
		if t.slots[i] == nil {
			fids = append(fids, FID(i))
		}
	}
	if len(fids) < n {
		return nil, nil, ErrNoFreeFID
	}
	if t.pool.Available() < n {
		return nil, nil, ErrNoFreeFCB
	}

	fcbs := make([]*FCB, n)
	for i, fid := range fids {
		fcbs[i] = t.pool.acquire()
		t.slots[fid] = fcbs[i]
	}
	return fids, fcbs, nil
}

// Unreserve rolls back a reservation whose stream objects were never
// installed.
func (t *Table) Unreserve(fids []FID) {
	for _, fid := range fids {
		if !t.valid(fid) || t.slots[fid] == nil {
			continue
		}
		f := t.slots[fid]
		t.slots[fid] = nil
		f.obj = nil
		f.refcount = 0
		t.pool.release(f)
	}
}

// Lookup returns the block behind fid. Reserved slots whose stream has not
// been installed yet are not visible.
func (t *Table) Lookup(fid FID) (*FCB, error) {
	if !t.valid(fid) {
		return nil, ErrBadFID
	}
	f := t.slots[fid]
	if f == nil || f.obj == nil {
		return nil, ErrBadFID
	}
	return f, nil
}

// Holds reports whether fid still names f.
func (t *Table) Holds(fid FID, f *FCB) bool {
	return t.valid(fid) && t.slots[fid] == f
}

// Close empties the slot and drops its reference.
func (t *Table) Close(fid FID) error {
	if !t.valid(fid) || t.slots[fid] == nil {
		return ErrBadFID
	}
	f := t.slots[fid]
	t.slots[fid] = nil
	return f.Decref()
}

// Dup2 makes newfid name the same block as oldfid, closing whatever newfid
// named before.
func (t *Table) Dup2(oldfid, newfid FID) error {
	f, err := t.Lookup(oldfid)
	if err != nil {
		return err
	}
	if !t.valid(newfid) {
		return ErrBadFID
	}
	if oldfid == newfid {
		return nil
	}
	f.Incref()
	prev := t.slots[newfid]
	t.slots[newfid] = f
	if prev != nil {
		return prev.Decref()
	}
	return nil
}

// InheritFrom copies every slot of parent into t, taking a reference on
// each shared block.
func (t *Table) InheritFrom(parent *Table) {
	for i := range t.slots {
		if i >= len(parent.slots) {
			break
		}
		if f := parent.slots[i]; f != nil && f.obj != nil {
			f.Incref()
			t.slots[i] = f
		}
	}
}

// CloseAll drops every slot.
func (t *Table) CloseAll() {
	for i, f := range t.slots {
		if f == nil {
			continue
		}
		t.slots[i] = nil
		_ = f.Decref()
	}
}

func (t *Table) valid(fid FID) bool {
	return fid >= 0 && int(fid) < len(t.slots)
}
