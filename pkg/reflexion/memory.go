package reflexion

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is the bounded FIFO store of insights for one task. When
// full, adding evicts the oldest record. It survives trial resets; the
// whole point is carrying lessons across attempts.
type Memory struct {
	mu      sync.RWMutex
	size    int
	records []*Record
}

const DefaultMemorySize = 10

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &Memory{size: size}
}

// Add appends a record, evicting the oldest when at capacity.
func (m *Memory) Add(record *Record) {
	if record == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, record)
	if len(m.records) > m.size {
		m.records = m.records[len(m.records)-m.size:]
	}
}

// Seed preloads records recalled from the cache. Validation-failure
// insights rank first, then newest first; at most limit records are
// taken, each with its applied flag cleared for the new task.
func (m *Memory) Seed(records []*Record, limit int) {
	sorted := make([]*Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		iv := sorted[i].Trigger == TriggerValidationFailure
		jv := sorted[j].Trigger == TriggerValidationFailure
		if iv != jv {
			return iv
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	for _, record := range sorted {
		record.Applied = false
		m.Add(record)
	}
}

// Records returns a snapshot, oldest first.
func (m *Memory) Records() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// Len returns the stored record count.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Recent returns the last k records (or fewer), oldest first.
func (m *Memory) Recent(k int) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if k <= 0 || len(m.records) == 0 {
		return nil
	}
	if k > len(m.records) {
		k = len(m.records)
	}
	out := make([]*Record, k)
	copy(out, m.records[len(m.records)-k:])
	return out
}

// ByTrigger returns the stored records created by the given trigger,
// oldest first.
func (m *Memory) ByTrigger(trigger Trigger) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, record := range m.records {
		if record.Trigger == trigger {
			out = append(out, record)
		}
	}
	return out
}

// Last returns the most recent record, if any.
func (m *Memory) Last() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return nil
	}
	return m.records[len(m.records)-1]
}

// Clear drops all records.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}

// FormatForPrompt renders the insights as the section injected into the
// system prompt: one block per trigger, holding the last three insights
// of that trigger with the iteration each came from.
func (m *Memory) FormatForPrompt() string {
	records := m.Records()
	if len(records) == 0 {
		return "No previous reflections."
	}

	var order []Trigger
	groups := make(map[Trigger][]*Record)
	for _, record := range records {
		if _, seen := groups[record.Trigger]; !seen {
			order = append(order, record.Trigger)
		}
		groups[record.Trigger] = append(groups[record.Trigger], record)
	}

	var b strings.Builder
	b.WriteString("LESSONS FROM EARLIER ATTEMPTS (apply these, do not repeat the mistakes):\n")
	for _, trigger := range order {
		group := groups[trigger]
		if len(group) > 3 {
			group = group[len(group)-3:]
		}
		fmt.Fprintf(&b, "\n%s:\n", trigger)
		for _, record := range group {
			fmt.Fprintf(&b, "- (iteration %d) %s\n", record.Iteration, record.Insight)
		}
	}
	return b.String()
}

// FormatForContext renders the last k insights as a flat digest used
// inside reflection prompts, so new reflections can build on old ones.
func (m *Memory) FormatForContext(k int) string {
	records := m.Recent(k)
	if len(records) == 0 {
		return "N/A"
	}

	lines := make([]string, 0, len(records))
	for _, record := range records {
		lines = append(lines, fmt.Sprintf("- [iteration %d, %s] %s", record.Iteration, record.Trigger, record.Insight))
	}
	return strings.Join(lines, "\n")
}
