package mvcc

// visible reports whether k resolves to a non-tombstone value visible
// to tm's transaction, per the same chain-chasing Get uses.
func (tm *TxMap) visible(k []byte) (bool, error) {
	if k == nil {
		return false, nil
	}
	v, err := tm.resolve(k, tm.m.Get(k))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// FirstKey returns the smallest visible key, walking forward over
// invisible raw entries (spec.md §4.7 boundary ops apply MVCC
// filtering to every one of these except higherKey).
func (tm *TxMap) FirstKey() ([]byte, error) {
	k := tm.m.FirstKey()
	for k != nil {
		ok, err := tm.visible(k)
		if err != nil {
			return nil, err
		}
		if ok {
			return k, nil
		}
		k = tm.m.HigherKey(k)
	}
	return nil, nil
}

// LastKey returns the largest visible key, walking backward.
func (tm *TxMap) LastKey() ([]byte, error) {
	k := tm.m.LastKey()
	for k != nil {
		ok, err := tm.visible(k)
		if err != nil {
			return nil, err
		}
		if ok {
			return k, nil
		}
		k = tm.m.LowerKey(k)
	}
	return nil, nil
}

// LowerKey returns the largest visible key strictly less than k.
func (tm *TxMap) LowerKey(k []byte) ([]byte, error) {
	cur := tm.m.LowerKey(k)
	for cur != nil {
		ok, err := tm.visible(cur)
		if err != nil {
			return nil, err
		}
		if ok {
			return cur, nil
		}
		cur = tm.m.LowerKey(cur)
	}
	return nil, nil
}

// FloorKey returns the largest visible key less than or equal to k.
func (tm *TxMap) FloorKey(k []byte) ([]byte, error) {
	cur := tm.m.FloorKey(k)
	for cur != nil {
		ok, err := tm.visible(cur)
		if err != nil {
			return nil, err
		}
		if ok {
			return cur, nil
		}
		cur = tm.m.LowerKey(cur)
	}
	return nil, nil
}

// CeilingKey returns the smallest visible key greater than or equal
// to k.
func (tm *TxMap) CeilingKey(k []byte) ([]byte, error) {
	cur := tm.m.CeilingKey(k)
	for cur != nil {
		ok, err := tm.visible(cur)
		if err != nil {
			return nil, err
		}
		if ok {
			return cur, nil
		}
		cur = tm.m.HigherKey(cur)
	}
	return nil, nil
}

// HigherKey returns the smallest raw key strictly greater than k,
// deliberately WITHOUT MVCC visibility filtering: spec.md §9 singles
// this one boundary op out as approximate, so callers must treat its
// result as a hint rather than a guaranteed-visible key.
func (tm *TxMap) HigherKey(k []byte) []byte {
	return tm.m.HigherKey(k)
}

// SizeAsLong estimates the number of visible rows using the two
// strategies of spec.md §4.7: when the sum of every open transaction's
// undo-log length doesn't exceed the raw map size, it's cheaper to
// subtract the rows those undo logs shadow; otherwise it falls back to
// a full cursor scan.
func (tm *TxMap) SizeAsLong() (int64, error) {
	raw := tm.m.SizeAsLong()
	open := tm.engine.OpenTransactions()

	var totalUndo int64
	for _, t := range open {
		totalUndo += int64(t.UndoLen())
	}

	if totalUndo > raw {
		return tm.scanSize()
	}

	seen := make(map[string]bool)
	var shadowed int64
	for _, t := range open {
		for _, e := range t.UndoEntries() {
			if e.MapName != tm.m.Name() {
				continue
			}
			key := string(e.Key)
			if seen[key] {
				continue
			}
			seen[key] = true
			visible, err := tm.visible(e.Key)
			if err != nil {
				return 0, err
			}
			if !visible {
				shadowed++
			}
		}
	}
	return raw - shadowed, nil
}

func (tm *TxMap) scanSize() (int64, error) {
	var count int64
	cur := tm.Cursor(nil)
	for {
		_, v, ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		_ = v
		count++
	}
	return count, nil
}
