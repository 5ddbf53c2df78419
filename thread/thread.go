package thread

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mbox-threader/model"
)

// DefaultSubjectWindow bounds how far apart two messages may be for the
// subject-match fallback to join them.
const DefaultSubjectWindow = 7 * 24 * time.Hour

var (
	replyPrefixPattern = regexp.MustCompile(`(?i)^(re|fwd|fw)\s*:\s*`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// Reconstructor accumulates parsed messages and groups them into ordered
// conversation threads. Add is safe for concurrent use; BuildThreads is a
// pure function of the accumulated set and may be called repeatedly.
type Reconstructor struct {
	mu            sync.Mutex
	messages      []model.Message
	subjectWindow time.Duration
	logger        *slog.Logger
}

func NewReconstructor(subjectWindow time.Duration, logger *slog.Logger) *Reconstructor {
	if subjectWindow <= 0 {
		subjectWindow = DefaultSubjectWindow
	}
	return &Reconstructor{subjectWindow: subjectWindow, logger: logger}
}

// Add accumulates one message. Call order carries no meaning.
func (r *Reconstructor) Add(msg model.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

// Len returns the number of accumulated messages.
func (r *Reconstructor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// BuildThreads groups the accumulated messages with three layered
// heuristics: transport thread id, reference-chain connectivity, and a
// normalized-subject/time-window fallback. Grouping never depends on map
// iteration order, so repeated calls over the same set are identical.
func (r *Reconstructor) BuildThreads() []model.Thread {
	r.mu.Lock()
	snapshot := make([]model.Message, len(r.messages))
	copy(snapshot, r.messages)
	r.mu.Unlock()

	// Deduplicate by message id, first added wins, then fix the working
	// order by (date, id) so every grouping decision is deterministic.
	seen := make(map[string]bool, len(snapshot))
	msgs := make([]model.Message, 0, len(snapshot))
	for _, m := range snapshot {
		if seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].Date.Before(msgs[j].Date)
		}
		return msgs[i].MessageID < msgs[j].MessageID
	})

	ds := newDisjointSet()
	for _, m := range msgs {
		ds.add(m.MessageID)
	}

	// 1. Transport thread id.
	firstByTransport := make(map[string]string)
	for _, m := range msgs {
		if m.TransportThreadID == "" {
			continue
		}
		if anchor, ok := firstByTransport[m.TransportThreadID]; ok {
			ds.union(anchor, m.MessageID)
		} else {
			firstByTransport[m.TransportThreadID] = m.MessageID
		}
	}

	// 2. Reference-chain graph, for messages without a transport id.
	for _, m := range msgs {
		if m.TransportThreadID != "" {
			continue
		}
		for _, ref := range referencedIDs(m) {
			if seen[ref] {
				ds.union(m.MessageID, ref)
			}
		}
	}

	// 3. Subject/time fallback for still-unlinked messages.
	for _, m := range msgs {
		if ds.size(m.MessageID) > 1 {
			continue
		}
		subject := NormalizeSubject(m.Subject)
		if subject == "" {
			continue
		}
		for _, other := range msgs {
			if other.MessageID == m.MessageID {
				continue
			}
			if NormalizeSubject(other.Subject) != subject {
				continue
			}
			if absDuration(m.Date.Sub(other.Date)) > r.subjectWindow {
				continue
			}
			ds.union(m.MessageID, other.MessageID)
			break
		}
	}

	// Assemble threads. Iterating msgs (already date-ascending) keeps
	// each component's message list ordered and the grouping stable.
	componentOrder := make([]string, 0)
	components := make(map[string][]model.Message)
	for _, m := range msgs {
		root := ds.find(m.MessageID)
		if _, ok := components[root]; !ok {
			componentOrder = append(componentOrder, root)
		}
		components[root] = append(components[root], m)
	}

	threads := make([]model.Thread, 0, len(componentOrder))
	for _, root := range componentOrder {
		threads = append(threads, assembleThread(components[root]))
	}

	sort.SliceStable(threads, func(i, j int) bool {
		if !threads[i].DateStart.Equal(threads[j].DateStart) {
			return threads[i].DateStart.Before(threads[j].DateStart)
		}
		return threads[i].ThreadID < threads[j].ThreadID
	})

	if r.logger != nil {
		r.logger.Debug("threads built", "messages", len(msgs), "threads", len(threads))
	}

	return threads
}

func assembleThread(msgs []model.Message) model.Thread {
	root := msgs[0]

	threadID := root.MessageID
	for _, m := range msgs {
		if m.TransportThreadID != "" {
			threadID = m.TransportThreadID
			break
		}
	}

	seenAddr := make(map[string]bool)
	var participants []model.Address
	addParticipant := func(a model.Address) {
		if a.Email == "" || seenAddr[a.Email] {
			return
		}
		seenAddr[a.Email] = true
		participants = append(participants, a)
	}
	for _, m := range msgs {
		addParticipant(m.From)
		for _, a := range m.To {
			addParticipant(a)
		}
		for _, a := range m.Cc {
			addParticipant(a)
		}
	}

	return model.Thread{
		ThreadID:     threadID,
		Messages:     msgs,
		Participants: participants,
		Subject:      root.Subject,
		DateStart:    root.Date,
		DateEnd:      msgs[len(msgs)-1].Date,
		MessageCount: len(msgs),
	}
}

func referencedIDs(m model.Message) []string {
	ids := make([]string, 0, len(m.References)+1)
	ids = append(ids, m.References...)
	if m.InReplyTo != "" {
		ids = append(ids, m.InReplyTo)
	}
	return ids
}

// NormalizeSubject strips reply/forward prefixes, collapses whitespace
// and lower-cases the remainder.
func NormalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	for {
		stripped := replyPrefixPattern.ReplaceAllString(subject, "")
		if stripped == subject {
			break
		}
		subject = stripped
	}
	subject = whitespacePattern.ReplaceAllString(subject, " ")
	return strings.ToLower(strings.TrimSpace(subject))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// disjointSet is an explicit union-find keyed by message id.
type disjointSet struct {
	parent map[string]string
	rank   map[string]int
	count  map[string]int
}

func newDisjointSet() *disjointSet {
	return &disjointSet{
		parent: make(map[string]string),
		rank:   make(map[string]int),
		count:  make(map[string]int),
	}
}

func (d *disjointSet) add(id string) {
	if _, ok := d.parent[id]; ok {
		return
	}
	d.parent[id] = id
	d.count[id] = 1
}

func (d *disjointSet) find(id string) string {
	root := id
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for d.parent[id] != root {
		d.parent[id], id = root, d.parent[id]
	}
	return root
}

func (d *disjointSet) union(a, b string) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	if d.rank[ra] < d.rank[rb] {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
	d.count[ra] += d.count[rb]
	if d.rank[ra] == d.rank[rb] {
		d.rank[ra]++
	}
}

func (d *disjointSet) size(id string) int {
	return d.count[d.find(id)]
}
