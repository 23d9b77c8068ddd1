package downloadclient

import (
	"sort"
	"sync"
)

// blockMap is the shared, concurrently-written index->bytes map one
// download attempt's workers insert into. Keys are unique because
// worker indices never collide, so no ordering is required on insert;
// final assembly sorts keys, per §3/§9.
type blockMap struct {
	mu     sync.Mutex
	blocks map[int][]byte
}

func newBlockMap() *blockMap {
	return &blockMap{blocks: make(map[int][]byte)}
}

func (b *blockMap) put(index int, data []byte) {
	b.mu.Lock()
	b.blocks[index] = data
	b.mu.Unlock()
}

// assemble concatenates the stored blocks in ascending key order, per
// §4.3 step 3. It does not fill gaps: a worker that aborted early just
// leaves its remaining indices absent, which is deliberate — the
// resulting byte sequence then fails MD5 verification and the caller
// retries, rather than this silently padding the hole.
func (b *blockMap) assemble() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]int, 0, len(b.blocks))
	for k := range b.blocks {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var out []byte
	for _, k := range keys {
		out = append(out, b.blocks[k]...)
	}
	return out
}

// len reports how many distinct block indices have been inserted.
func (b *blockMap) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}
