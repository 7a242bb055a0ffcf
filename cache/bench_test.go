package cache

import (
	"fmt"
	"testing"
)

// BenchmarkNewKey measures key derivation with a typical argument map.
func BenchmarkNewKey(b *testing.B) {
	args := map[string]any{
		"folder":   "inbox",
		"limit":    20,
		"archived": false,
		"sort":     map[string]any{"field": "updatedAt", "dir": "desc"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = NewKey("getDocuments", args)
	}
}

// BenchmarkStore_Get measures snapshot reads of a settled entry.
func BenchmarkStore_Get(b *testing.B) {
	s := NewStore(Config{})
	key, _ := NewKey("getDocument", map[string]any{"id": "1"})
	s.Commit(key, map[string]any{"id": "1", "status": "pending"}, []Tag{NewTag("Document", "1")})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Get(key)
	}
}

// BenchmarkStore_Commit measures writes across distinct keys.
func BenchmarkStore_Commit(b *testing.B) {
	s := NewStore(Config{})
	keys := make([]Key, 256)
	for i := range keys {
		keys[i], _ = NewKey("getDocument", map[string]any{"id": fmt.Sprintf("%d", i)})
	}
	data := map[string]any{"status": "pending"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := keys[i%len(keys)]
		s.Commit(key, data, []Tag{NewTag("Document", key.Args)})
	}
}

// BenchmarkStore_Invalidate measures wildcard resolution over a populated
// index.
func BenchmarkStore_Invalidate(b *testing.B) {
	s := NewStore(Config{})
	for i := 0; i < 1000; i++ {
		key, _ := NewKey("getDocument", map[string]any{"id": fmt.Sprintf("%d", i)})
		s.Commit(key, nil, []Tag{NewTag("Document", fmt.Sprintf("%d", i))})
	}
	tags := []Tag{ListTag("Document")}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Invalidate(tags)
	}
}

// BenchmarkApplyPatch measures the draft round trip for a single edit.
func BenchmarkApplyPatch(b *testing.B) {
	s := NewStore(Config{})
	key, _ := NewKey("getDocument", map[string]any{"id": "1"})
	s.Commit(key, map[string]any{"id": "1", "status": "pending"}, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		record, err := s.ApplyPatch("bench", func(ds *DraftSet) error {
			d, err := ds.Draft(key)
			if err != nil {
				return err
			}
			return d.Set("status", "approved")
		})
		if err != nil {
			b.Fatal(err)
		}
		_ = s.Discard(record)
	}
}
