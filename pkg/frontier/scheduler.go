package frontier

import (
	"container/heap"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shopcrawl/pkg/models"
	"shopcrawl/pkg/parse"
	"shopcrawl/pkg/policy"
	"shopcrawl/pkg/utils"
)

// --- Priority Queue Implementation ---

// pqItem represents a pending task in the priority heap
type pqItem struct {
	task  *models.Task
	score float64 // Effective priority (static minus host penalty) as of last scoring
	index int     // The index of the item in the heap (required by heap interface)
}

// taskHeap implements heap.Interface. Higher score pops first; ties break
// FIFO on discovery sequence so behavior stays deterministic for testing.
type taskHeap []*pqItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].task.Seq < h[j].task.Seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push adds an element to the heap
func (h *taskHeap) Push(x any) {
	n := len(*h)
	item := x.(*pqItem)
	item.index = n
	*h = append(*h, item)
}

// Pop removes and returns the highest-priority element from the heap
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// taskState tracks where a URL sits in its lifecycle. A URL is in exactly
// one of pending, in-flight, or visited once discovered.
type taskState int

const (
	statePending taskState = iota
	stateInFlight
	stateVisited
)

// Options configures a Scheduler.
type Options struct {
	MaxDepth   int
	PageBudget int           // 0 = unlimited
	Deadline   time.Duration // Wall-clock budget from construction; 0 = none

	// HostPenalty maps a host to a priority decay term (policy backoff
	// state). Nil means no decay.
	HostPenalty func(host string) float64

	Clock policy.Clock // Defaults to the real clock
}

// Scheduler is the crawl frontier: a thread-safe priority queue of
// discovered URL tasks with dedup, depth/budget limits, and lazy
// backoff-aware re-scoring on dequeue.
type Scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond // Condition variable to wait for items
	heap   taskHeap
	items  map[string]*pqItem   // Normalized URL -> pending heap item
	states map[string]taskState // Normalized URL -> lifecycle state
	seq    uint64               // Discovery sequence counter

	closed      bool
	termination models.TerminationReason

	opts     Options
	deadline time.Time // Absolute deadline, zero if none
	dequeued int       // Tasks handed out, counted against PageBudget
	rejected int       // Invalid/out-of-scope enqueue attempts

	log *logrus.Entry
}

// NewScheduler creates a frontier scheduler.
func NewScheduler(opts Options, log *logrus.Entry) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = policy.RealClock()
	}
	s := &Scheduler{
		items:  make(map[string]*pqItem),
		states: make(map[string]taskState),
		opts:   opts,
		log:    log,
	}
	if opts.Deadline > 0 {
		s.deadline = opts.Clock.Now().Add(opts.Deadline)
	}
	s.cond = sync.NewCond(&s.mu)
	heap.Init(&s.heap)
	return s
}

// Enqueue adds a task for the URL if it is valid, unseen, and within the
// depth limit. Returns whether a task was added. Malformed or
// non-HTTP(S) URLs are rejected with an error and counted, never
// silently dropped.
func (s *Scheduler) Enqueue(rawURL string, depth int, sourcePage string, fromSitemap bool) (bool, error) {
	normalized, parsed, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %q: %v", utils.ErrRejectedURL, rawURL, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, utils.ErrFrontierClosed
	}
	if depth > s.opts.MaxDepth {
		return false, nil
	}
	if _, seen := s.states[normalized]; seen {
		return false, nil
	}

	s.seq++
	task := &models.Task{
		URL:          normalized,
		Depth:        depth,
		Priority:     staticScore(parsed, depth, fromSitemap),
		SourcePage:   sourcePage,
		DiscoveredAt: s.opts.Clock.Now(),
		FromSitemap:  fromSitemap,
		Seq:          s.seq,
	}
	item := &pqItem{task: task, score: task.Priority}
	heap.Push(&s.heap, item)
	s.items[normalized] = item
	s.states[normalized] = statePending
	s.cond.Signal() // Signal one waiting worker that an item is available
	return true, nil
}

// Next retrieves the highest-priority pending task and moves it to
// in-flight. It blocks while the frontier is empty until a task arrives
// or the scheduler closes. Returns nil and false when the crawl is over;
// TerminationReason reports why.
func (s *Scheduler) Next() (*models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.opts.PageBudget > 0 && s.dequeued >= s.opts.PageBudget {
			s.closeLocked(models.TerminationBudget)
			return nil, false
		}
		if !s.deadline.IsZero() && s.opts.Clock.Now().After(s.deadline) {
			s.closeLocked(models.TerminationDeadline)
			return nil, false
		}
		if len(s.heap) > 0 {
			break
		}
		if s.closed {
			return nil, false
		}
		// Wait releases the lock and waits for a Signal/Broadcast
		s.cond.Wait()
	}

	// Re-check after waking up, in case Close() raced the signal
	if len(s.heap) == 0 && s.closed {
		return nil, false
	}

	item := s.popRescored()
	delete(s.items, item.task.URL)
	s.states[item.task.URL] = stateInFlight
	s.dequeued++
	return item.task, true
}

// popRescored lazily refreshes the top item's score against the current
// host penalties before popping. Re-scoring happens here instead of on
// every mutation because the frontier can be large and backoff state
// changes are infrequent relative to discovery rate. Caller holds s.mu.
func (s *Scheduler) popRescored() *pqItem {
	if s.opts.HostPenalty == nil {
		return heap.Pop(&s.heap).(*pqItem)
	}
	for {
		top := s.heap[0]
		effective := top.task.Priority - s.opts.HostPenalty(taskHost(top.task))
		if effective == top.score {
			return heap.Pop(&s.heap).(*pqItem)
		}
		top.score = effective
		heap.Fix(&s.heap, 0)
	}
}

// MarkVisited moves an in-flight task to visited permanently.
func (s *Scheduler) MarkVisited(normalizedURL string) {
	s.mu.Lock()
	s.states[normalizedURL] = stateVisited
	s.mu.Unlock()
}

// Release returns an in-flight task to pending, used when a worker gives
// a task back on cancellation so it can be re-queued by a future session.
func (s *Scheduler) Release(task *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[task.URL] != stateInFlight {
		return
	}
	item := &pqItem{task: task, score: task.Priority}
	heap.Push(&s.heap, item)
	s.items[task.URL] = item
	s.states[task.URL] = statePending
	s.dequeued-- // The task was not actually consumed
	s.cond.Signal()
}

// DropHost removes all pending tasks for a host (blocked for the
// session) and returns how many were dropped. Dropped URLs stay seen so
// they are not rediscovered.
func (s *Scheduler) DropHost(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for urlStr, item := range s.items {
		if taskHost(item.task) != host {
			continue
		}
		heap.Remove(&s.heap, item.index)
		delete(s.items, urlStr)
		s.states[urlStr] = stateVisited // Terminal; never fetched
		dropped++
	}
	if dropped > 0 {
		s.log.WithFields(logrus.Fields{"host": host, "dropped": dropped}).
			Warn("Dropped pending tasks for blocked host")
	}
	return dropped
}

// Close ends the crawl with the given reason and wakes all waiting
// workers. The first reason recorded wins.
func (s *Scheduler) Close(reason models.TerminationReason) {
	s.mu.Lock()
	s.closeLocked(reason)
	s.mu.Unlock()
}

// closeLocked closes the scheduler. Caller holds s.mu.
func (s *Scheduler) closeLocked(reason models.TerminationReason) {
	if !s.closed {
		s.closed = true
		s.termination = reason
		s.cond.Broadcast() // Wake up ALL waiting workers so they can exit
	}
}

// Termination reports which condition ended the crawl.
func (s *Scheduler) Termination() models.TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termination
}

// PendingLen returns the number of tasks waiting in the frontier.
func (s *Scheduler) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// VisitedCount returns the number of URLs moved to the visited set.
func (s *Scheduler) VisitedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, st := range s.states {
		if st == stateVisited {
			count++
		}
	}
	return count
}

// RejectedCount returns how many enqueue attempts were rejected as
// malformed or out of scope.
func (s *Scheduler) RejectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// InFlight lists tasks currently being processed, for persistence of
// interrupted sessions.
func (s *Scheduler) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var urls []string
	for u, st := range s.states {
		if st == stateInFlight {
			urls = append(urls, u)
		}
	}
	return urls
}

func taskHost(t *models.Task) string {
	if u, err := url.Parse(t.URL); err == nil {
		return u.Hostname()
	}
	return ""
}

// --- Priority Scoring ---

// Path shapes signalling a product detail page vs listing/pagination.
var productPathHints = []string{"/dp/", "/gp/product/", "/product/", "/products/", "/item/", "/p/"}
var listingPathHints = []string{"/search", "/category", "/categories", "/c/", "/bestsellers", "/new-releases", "/deals"}

// staticScore computes the enqueue-time priority: product-detail URL
// patterns boost over listing pages, shallower depth is preferred, and
// sitemap-confirmed URLs get a bump. Exact weights are an implementation
// choice; only their ordering is contractual.
func staticScore(u *url.URL, depth int, fromSitemap bool) float64 {
	score := 10.0

	path := strings.ToLower(u.Path)
	switch {
	case matchesAny(path+"/", productPathHints):
		score += 80
	case u.Query().Has("k") || u.Query().Has("q"):
		score += 40 // Search results still lead to products
	case matchesAny(path+"/", listingPathHints):
		score += 30
	}

	if u.Query().Has("page") || strings.Contains(path, "/page/") {
		score -= 15 // Pagination tails rank below fresh listings
	}

	score -= 10 * float64(depth)

	if fromSitemap {
		score += 25
	}
	return score
}

func matchesAny(path string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(path, h) {
			return true
		}
	}
	return false
}
