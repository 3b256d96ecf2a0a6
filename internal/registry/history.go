package registry

import "github.com/t77yq/netwatch/internal/model"

// history is a fixed-capacity ring of usage records. The backing slice is
// allocated once; pushing into a full ring overwrites the oldest record.
type history struct {
	records []model.UsageRecord
	next    int // slot the next record is written to
	size    int
}

func newHistory(capacity int) *history {
	return &history{records: make([]model.UsageRecord, capacity)}
}

func (h *history) push(rec model.UsageRecord) {
	h.records[h.next] = rec
	h.next = (h.next + 1) % len(h.records)
	if h.size < len(h.records) {
		h.size++
	}
}

func (h *history) len() int {
	return h.size
}

// newest returns the most recently pushed record
func (h *history) newest() (model.UsageRecord, bool) {
	if h.size == 0 {
		return model.UsageRecord{}, false
	}
	idx := (h.next - 1 + len(h.records)) % len(h.records)
	return h.records[idx], true
}

// snapshot copies the records out, newest first
func (h *history) snapshot() []model.UsageRecord {
	out := make([]model.UsageRecord, 0, h.size)
	for i := 1; i <= h.size; i++ {
		idx := (h.next - i + len(h.records)) % len(h.records)
		rec := h.records[idx]
		rec.Usage = rec.Usage.Clone()
		out = append(out, rec)
	}
	return out
}

func (h *history) reset() {
	clear(h.records)
	h.next = 0
	h.size = 0
}
