package cache

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// PatchRecord captures the edits of one optimistic patch so they can be
// undone. A record is consumed exactly once: Discard on mutation success
// or Rollback on failure. It never outlives its mutation.
type PatchRecord struct {
	// ID identifies the originating mutation execution.
	ID string

	mu       sync.Mutex
	consumed bool
	ops      []patchOp // in application order
}

// patchOp is one captured edit. invert receives a root value (a fresh
// copy of the entry data at rollback time) and returns the root with the
// edit undone.
type patchOp struct {
	key    Key
	invert func(root any) (any, error)
}

// Len returns the number of captured edits.
func (r *PatchRecord) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

func (r *PatchRecord) consume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return ErrPatchConsumed
	}
	r.consumed = true
	return nil
}

// DraftSet hands out mutable draft views of cache entries to an
// optimistic patch function. Drafts operate on deep copies; nothing is
// visible to subscribers until the patch function returns successfully.
type DraftSet struct {
	store  *Store
	record *PatchRecord
	drafts map[Key]*Draft
	order  []Key
}

// Draft returns the draft view for key, creating it on first use.
// The entry must exist and hold settled data.
func (ds *DraftSet) Draft(key Key) (*Draft, error) {
	if d, ok := ds.drafts[key]; ok {
		return d, nil
	}
	e, ok := ds.store.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	if !e.hasData {
		return nil, fmt.Errorf("%w: %s", ErrNoDraftData, key)
	}
	d := &Draft{key: key, set: ds, root: deepCopy(e.data)}
	ds.drafts[key] = d
	ds.order = append(ds.order, key)
	return d, nil
}

// Draft is a mutable view over a deep copy of one entry's data.
// Structural edits record their inverses automatically, so the patch
// call-site reads like direct mutation while the store keeps sole
// ownership of entry state.
//
// Paths address locations in JSON-shaped data as dot-separated segments:
// object fields by name, array elements by decimal index. The empty path
// addresses the root.
type Draft struct {
	key   Key
	set   *DraftSet
	root  any
	dirty bool
}

// Value returns the draft's current root value.
func (d *Draft) Value() any {
	return d.root
}

// Get reads the value at path, reporting whether it resolves.
func (d *Draft) Get(path string) (any, bool) {
	v, err := resolve(d.root, splitPath(path))
	if err != nil {
		return nil, false
	}
	return v, true
}

// Replace substitutes the entire root value.
func (d *Draft) Replace(value any) {
	prev := d.root
	d.root = value
	d.dirty = true
	d.set.capture(d.key, func(any) (any, error) {
		return deepCopy(prev), nil
	})
}

// Set assigns value at path. The parent containers must already exist.
func (d *Draft) Set(path string, value any) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		d.Replace(value)
		return nil
	}

	parent, err := resolve(d.root, segs[:len(segs)-1])
	if err != nil {
		return err
	}
	last := segs[len(segs)-1]

	switch container := parent.(type) {
	case map[string]any:
		prev, existed := container[last]
		container[last] = value
		if existed {
			restore := deepCopy(prev)
			d.set.capture(d.key, setInverse(segs, restore))
		} else {
			d.set.capture(d.key, deleteInverse(segs))
		}
	case []any:
		i, err := sliceIndex(last, len(container))
		if err != nil {
			return err
		}
		restore := deepCopy(container[i])
		container[i] = value
		d.set.capture(d.key, setInverse(segs, restore))
	default:
		return fmt.Errorf("%w: %q is not an object or array", ErrBadPath, strings.Join(segs[:len(segs)-1], "."))
	}

	d.dirty = true
	return nil
}

// Delete removes the object field at path. Array elements are removed
// with Splice.
func (d *Draft) Delete(path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("%w: cannot delete the root", ErrBadPath)
	}

	parent, err := resolve(d.root, segs[:len(segs)-1])
	if err != nil {
		return err
	}
	container, ok := parent.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %q is not an object", ErrBadPath, strings.Join(segs[:len(segs)-1], "."))
	}

	last := segs[len(segs)-1]
	prev, existed := container[last]
	if !existed {
		return fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	delete(container, last)
	d.set.capture(d.key, setInverse(segs, deepCopy(prev)))
	d.dirty = true
	return nil
}

// Append adds value to the end of the array at path.
func (d *Draft) Append(path string, value any) error {
	segs := splitPath(path)
	arr, err := arrayAt(d.root, segs)
	if err != nil {
		return err
	}
	index := len(arr)
	if err := d.writeArray(segs, append(arr, value)); err != nil {
		return err
	}
	d.set.capture(d.key, spliceInverse(segs, index, 1, nil))
	d.dirty = true
	return nil
}

// Splice replaces deleteCount elements of the array at path starting at
// index with items, mirroring structural list edits.
func (d *Draft) Splice(path string, index, deleteCount int, items ...any) error {
	segs := splitPath(path)
	arr, err := arrayAt(d.root, segs)
	if err != nil {
		return err
	}
	if index < 0 || index > len(arr) {
		return fmt.Errorf("%w: splice index %d out of range", ErrBadPath, index)
	}
	if deleteCount < 0 || index+deleteCount > len(arr) {
		return fmt.Errorf("%w: splice range [%d,%d) out of range", ErrBadPath, index, index+deleteCount)
	}

	removed := make([]any, deleteCount)
	for i := 0; i < deleteCount; i++ {
		removed[i] = deepCopy(arr[index+i])
	}

	next := make([]any, 0, len(arr)-deleteCount+len(items))
	next = append(next, arr[:index]...)
	next = append(next, items...)
	next = append(next, arr[index+deleteCount:]...)
	if err := d.writeArray(segs, next); err != nil {
		return err
	}

	d.set.capture(d.key, spliceInverse(segs, index, len(items), removed))
	d.dirty = true
	return nil
}

// writeArray installs a rebuilt slice at segs, updating the root when the
// array is the root value.
func (d *Draft) writeArray(segs []string, arr []any) error {
	if len(segs) == 0 {
		d.root = arr
		return nil
	}
	root, err := setAt(d.root, segs, arr)
	if err != nil {
		return err
	}
	d.root = root
	return nil
}

func (ds *DraftSet) capture(key Key, invert func(root any) (any, error)) {
	ds.record.ops = append(ds.record.ops, patchOp{key: key, invert: invert})
}

// ApplyPatch runs fn against draft views of cache entries and, if it
// returns nil, installs the drafted data so it is visible to all current
// subscribers immediately. Drafts are deep copies; a failing fn leaves
// every entry untouched.
func (s *Store) ApplyPatch(mutationID string, fn func(*DraftSet) error) (*PatchRecord, error) {
	s.mu.Lock()
	record := &PatchRecord{ID: mutationID}
	ds := &DraftSet{
		store:  s,
		record: record,
		drafts: make(map[Key]*Draft),
	}
	if err := fn(ds); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	keys := make([]Key, 0, len(ds.order))
	snaps := make([]Snapshot, 0, len(ds.order))
	for _, key := range ds.order {
		d := ds.drafts[key]
		if !d.dirty {
			continue
		}
		e, ok := s.entries[key]
		if !ok {
			continue
		}
		e.data = d.root
		keys = append(keys, key)
		snaps = append(snaps, e.snapshot(key))
	}
	s.mu.Unlock()

	for i, key := range keys {
		s.changed(key, snaps[i])
	}
	return record, nil
}

// Rollback undoes every edit captured in record, last-applied-first, so
// the final state is consistent even when multiple entries were patched.
// Inverses run against fresh copies of current entry data; snapshots
// already handed out are never mutated.
func (s *Store) Rollback(record *PatchRecord) error {
	if err := record.consume(); err != nil {
		return err
	}

	s.mu.Lock()
	copies := make(map[Key]any)
	order := make([]Key, 0, len(record.ops))
	var firstErr error
	for i := len(record.ops) - 1; i >= 0; i-- {
		op := record.ops[i]
		e, ok := s.entries[op.key]
		if !ok {
			continue // evicted mid-flight; nothing to restore
		}
		root, started := copies[op.key]
		if !started {
			root = deepCopy(e.data)
			order = append(order, op.key)
		}
		next, err := op.invert(root)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			copies[op.key] = root
			continue
		}
		copies[op.key] = next
	}

	snaps := make([]Snapshot, 0, len(order))
	for _, key := range order {
		e := s.entries[key]
		e.data = copies[key]
		snaps = append(snaps, e.snapshot(key))
	}
	s.mu.Unlock()

	for i, key := range order {
		s.changed(key, snaps[i])
	}
	return firstErr
}

// Discard consumes record without applying inverses. Called when the
// mutation succeeded: the authoritative server response is committed
// through the normal path and the optimistic data is dropped as a bridge,
// never the system of record.
func (s *Store) Discard(record *PatchRecord) error {
	return record.consume()
}

// --- path navigation -------------------------------------------------

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// resolve walks segs from root, returning the addressed value.
func resolve(root any, segs []string) (any, error) {
	v := root
	for i, seg := range segs {
		switch container := v.(type) {
		case map[string]any:
			child, ok := container[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrBadPath, strings.Join(segs[:i+1], "."))
			}
			v = child
		case []any:
			idx, err := sliceIndex(seg, len(container))
			if err != nil {
				return nil, err
			}
			v = container[idx]
		default:
			return nil, fmt.Errorf("%w: %q is not an object or array", ErrBadPath, strings.Join(segs[:i], "."))
		}
	}
	return v, nil
}

// setAt assigns value at segs and returns the (possibly new) root.
func setAt(root any, segs []string, value any) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	parent, err := resolve(root, segs[:len(segs)-1])
	if err != nil {
		return nil, err
	}
	last := segs[len(segs)-1]
	switch container := parent.(type) {
	case map[string]any:
		container[last] = value
	case []any:
		i, err := sliceIndex(last, len(container))
		if err != nil {
			return nil, err
		}
		container[i] = value
	default:
		return nil, fmt.Errorf("%w: %q is not an object or array", ErrBadPath, strings.Join(segs[:len(segs)-1], "."))
	}
	return root, nil
}

// deleteAt removes the object field at segs and returns the root.
func deleteAt(root any, segs []string) (any, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: cannot delete the root", ErrBadPath)
	}
	parent, err := resolve(root, segs[:len(segs)-1])
	if err != nil {
		return nil, err
	}
	container, ok := parent.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an object", ErrBadPath, strings.Join(segs[:len(segs)-1], "."))
	}
	delete(container, segs[len(segs)-1])
	return root, nil
}

func arrayAt(root any, segs []string) ([]any, error) {
	v, err := resolve(root, segs)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an array", ErrBadPath, strings.Join(segs, "."))
	}
	return arr, nil
}

func sliceIndex(seg string, length int) (int, error) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= length {
		return 0, fmt.Errorf("%w: array index %q out of range", ErrBadPath, seg)
	}
	return i, nil
}

// --- inverse builders ------------------------------------------------

func setInverse(segs []string, restore any) func(any) (any, error) {
	path := append([]string(nil), segs...)
	return func(root any) (any, error) {
		return setAt(root, path, deepCopy(restore))
	}
}

func deleteInverse(segs []string) func(any) (any, error) {
	path := append([]string(nil), segs...)
	return func(root any) (any, error) {
		return deleteAt(root, path)
	}
}

// spliceInverse undoes an insertion of insertCount elements at index by
// removing them and restoring the removed originals.
func spliceInverse(segs []string, index, insertCount int, removed []any) func(any) (any, error) {
	path := append([]string(nil), segs...)
	return func(root any) (any, error) {
		arr, err := arrayAt(root, path)
		if err != nil {
			return nil, err
		}
		if index < 0 || index+insertCount > len(arr) {
			return nil, fmt.Errorf("%w: inverse splice range out of range", ErrBadPath)
		}
		next := make([]any, 0, len(arr)-insertCount+len(removed))
		next = append(next, arr[:index]...)
		for _, v := range removed {
			next = append(next, deepCopy(v))
		}
		next = append(next, arr[index+insertCount:]...)
		return setAt(root, path, next)
	}
}

// deepCopy copies JSON-shaped data (map[string]any, []any, primitives).
// Other values are shared; entry data produced by JSON decoding is always
// fully copied.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, x := range val {
			m[k] = deepCopy(x)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, x := range val {
			s[i] = deepCopy(x)
		}
		return s
	default:
		return v
	}
}
