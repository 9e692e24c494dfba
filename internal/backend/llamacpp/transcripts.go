package llamacpp

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// transcripts maps a token sequence back to the text it was produced from.
// go-llama.cpp exposes no detokenizer, so a context handed back by a client is
// resolved by exact match against the transcripts of earlier runs.
type transcripts struct {
	mu    sync.Mutex
	limit int
	order []uint64
	byKey map[uint64]string
}

func newTranscripts(limit int) *transcripts {
	return &transcripts{limit: limit, byKey: make(map[uint64]string)}
}

func hashTokens(toks []int) uint64 {
	h := fnv.New64a()
	var buf []byte
	for _, t := range toks {
		buf = strconv.AppendInt(buf[:0], int64(t), 10)
		buf = append(buf, ',')
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

func (t *transcripts) put(toks []int, text string) {
	if len(toks) == 0 {
		return
	}
	k := hashTokens(toks)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byKey[k]; !ok {
		t.order = append(t.order, k)
	}
	t.byKey[k] = text
	for len(t.order) > t.limit {
		delete(t.byKey, t.order[0])
		t.order = t.order[1:]
	}
}

// text returns the transcript for toks. An empty sequence resolves to "".
func (t *transcripts) text(toks []int) (string, bool) {
	if len(toks) == 0 {
		return "", true
	}
	k := hashTokens(toks)
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byKey[k]
	return s, ok
}
