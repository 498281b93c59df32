package queue

import (
	"sort"

	"github.com/google/uuid"
)

// timeIndex buckets message ids by an absolute millisecond timestamp and
// keeps the bucket keys sorted so the reaper can cheaply pop everything due
// at or before "now". It's the Go stand-in for the source's BTreeMap<u64,
// Vec<Uuid>> — no ordered-map library in this ecosystem's messaging corpus
// covers that need, and the source itself reaches for its standard
// library's ordered map rather than a crate, so a sorted-slice index over
// a plain map is the direct idiomatic translation here.
type timeIndex struct {
	keys    []int64
	buckets map[int64][]uuid.UUID
}

func newTimeIndex() *timeIndex {
	return &timeIndex{buckets: make(map[int64][]uuid.UUID)}
}

// add registers id under the bucket for absolute time at.
func (t *timeIndex) add(at int64, id uuid.UUID) {
	if _, ok := t.buckets[at]; !ok {
		i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= at })
		t.keys = append(t.keys, 0)
		copy(t.keys[i+1:], t.keys[i:])
		t.keys[i] = at
	}
	t.buckets[at] = append(t.buckets[at], id)
}

// remove drops a specific id from the bucket at "at", used when a message
// is acked before its TTL bucket would otherwise fire (avoids a slow memory
// leak on long TTLs).
func (t *timeIndex) remove(at int64, id uuid.UUID) {
	bucket, ok := t.buckets[at]
	if !ok {
		return
	}
	for i, existing := range bucket {
		if existing == id {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(t.buckets, at)
		t.removeKey(at)
		return
	}
	t.buckets[at] = bucket
}

func (t *timeIndex) removeKey(at int64) {
	i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= at })
	if i < len(t.keys) && t.keys[i] == at {
		t.keys = append(t.keys[:i], t.keys[i+1:]...)
	}
}

// extractExpired removes and returns every id whose bucket key is <= now,
// in ascending key order.
func (t *timeIndex) extractExpired(now int64) []uuid.UUID {
	var ids []uuid.UUID
	cut := 0
	for cut < len(t.keys) && t.keys[cut] <= now {
		cut++
	}
	for _, k := range t.keys[:cut] {
		ids = append(ids, t.buckets[k]...)
		delete(t.buckets, k)
	}
	t.keys = t.keys[cut:]
	return ids
}

// len reports the total number of tracked ids across all buckets.
func (t *timeIndex) len() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b)
	}
	return n
}
