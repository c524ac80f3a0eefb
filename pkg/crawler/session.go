package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shopcrawl/pkg/config"
	"shopcrawl/pkg/crawlability"
	"shopcrawl/pkg/extract"
	"shopcrawl/pkg/fetch"
	"shopcrawl/pkg/frontier"
	"shopcrawl/pkg/graph"
	"shopcrawl/pkg/models"
	"shopcrawl/pkg/policy"
	"shopcrawl/pkg/storage"
	"shopcrawl/pkg/utils"
)

// SessionOptions carries injectable collaborators. Zero values select
// production defaults.
type SessionOptions struct {
	Renderer     fetch.Renderer // Defaults to the chromedp backend
	Store        storage.Store
	Clock        policy.Clock // Defaults to the real clock
	RobotsClient *http.Client // HTTP client for robots.txt and sitemaps
	Resume       bool         // Requeue incomplete pages from a prior run
}

// Summary is what a finished session hands back to its caller.
type Summary struct {
	Stats           models.CrawlStats
	Scores          map[string]float64
	RankTermination graph.RankTermination
	BlockedHosts    []string
	Graph           *graph.GraphSnapshot
}

// Session owns one crawl: the frontier, the per-host policy state, the
// link graph, and the worker pool. Policy state lives on the session,
// never in package globals, so multiple sessions can run isolated in
// one process.
type Session struct {
	cfg      *config.AppConfig
	sched    *frontier.Scheduler
	policies *policy.Registry
	fetcher  *fetch.Fetcher
	analyzer *crawlability.Analyzer
	extract  *extract.Extractor
	store    storage.Store
	graph    *graph.LinkGraph
	resume   bool
	log      *logrus.Entry

	// outstanding counts tasks that are pending or in-flight. When it
	// drains to zero the frontier is exhausted and the session closes.
	outstandingMu sync.Mutex
	outstanding   int

	statsMu          sync.Mutex
	stats            models.CrawlStats
	seededHosts      map[string]bool
	crawlabilitySum  float64
	crawlabilityHits int
}

// NewSession wires up a crawl session from configuration. Every log
// line of the session carries its crawl ID.
func NewSession(cfg *config.AppConfig, opts SessionOptions, log *logrus.Entry) *Session {
	log = log.WithField("crawl_id", uuid.New().String())
	clock := opts.Clock
	if clock == nil {
		clock = policy.RealClock()
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = fetch.NewChromedpRenderer(cfg.Render, log.WithField("component", "renderer"))
	}

	policies := policy.NewRegistry(cfg.Policy, clock, log.WithField("component", "policy"))
	sched := frontier.NewScheduler(frontier.Options{
		MaxDepth:    cfg.MaxDepth,
		PageBudget:  cfg.MaxPages,
		Deadline:    cfg.Deadline,
		HostPenalty: policies.Penalty,
		Clock:       clock,
	}, log.WithField("component", "frontier"))

	userAgent := ""
	if len(cfg.Policy.Identities) > 0 {
		userAgent = cfg.Policy.Identities[0].UserAgent
	}

	s := &Session{
		cfg:         cfg,
		sched:       sched,
		policies:    policies,
		fetcher:     fetch.NewFetcher(renderer, policies, cfg.Policy.MaxPerHost, cfg.CaptchaMarkers, cfg.BlockMarkers, log.WithField("component", "fetcher")),
		analyzer:    crawlability.NewAnalyzer(opts.RobotsClient, userAgent, log.WithField("component", "crawlability")),
		extract:     extract.NewExtractor(cfg, log.WithField("component", "extractor")),
		store:       opts.Store,
		graph:       graph.NewLinkGraph(),
		resume:      opts.Resume,
		log:         log,
		seededHosts: make(map[string]bool),
	}

	// A blocked host loses its queued work immediately; nothing else in
	// the session will fetch from it again.
	policies.OnBlocked(func(host string) {
		dropped := s.sched.DropHost(host)
		s.taskAdd(-dropped)
		s.statsMu.Lock()
		s.stats.HostsBlocked++
		s.stats.PagesBlocked += dropped
		s.statsMu.Unlock()
	})
	return s
}

// Run executes the crawl until the frontier drains, the page budget or
// deadline hits, or ctx is cancelled. It always returns a Summary with
// whatever was gathered; the error reports storage problems only.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	s.statsMu.Lock()
	s.stats.StartTime = time.Now()
	s.statsMu.Unlock()

	if err := s.seed(ctx); err != nil {
		return nil, err
	}

	// Cancellation watcher. Workers observe closure between tasks.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.sched.Close(models.TerminationDeadline)
			} else {
				s.sched.Close(models.TerminationCancelled)
			}
		case <-watchDone:
		}
	}()

	numWorkers := s.cfg.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	s.log.Infof("Starting %d crawl workers", numWorkers)

	var workerWG sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		workerWG.Add(1)
		go func(id int) {
			defer workerWG.Done()
			s.worker(ctx, id)
		}(i)
	}
	workerWG.Wait()
	close(watchDone)

	return s.finish()
}

// seed enqueues the configured seed URLs plus, in resume mode, any
// incomplete pages from the previous run.
func (s *Session) seed(ctx context.Context) error {
	for _, seedURL := range s.cfg.SeedURLs {
		added, err := s.sched.Enqueue(seedURL, 0, "", false)
		if err != nil {
			s.log.Warnf("Seed URL rejected: %v", err)
			continue
		}
		if added {
			s.taskAdd(1)
		}
	}

	if s.resume && s.store != nil {
		requeued, scanErrors, err := s.store.RequeueIncomplete(ctx, func(u string, depth int) error {
			added, errEnq := s.sched.Enqueue(u, depth, "", false)
			if errEnq != nil {
				return nil // malformed persisted key, skip it
			}
			if added {
				s.taskAdd(1)
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Errorf("Resume requeue failed: %v", err)
		}
		s.log.Infof("Resume: requeued %d incomplete pages (%d scan errors)", requeued, scanErrors)
	}

	s.outstandingMu.Lock()
	empty := s.outstanding == 0
	s.outstandingMu.Unlock()
	if empty {
		s.log.Warn("Nothing to crawl: no valid seed URLs")
		s.sched.Close(models.TerminationExhausted)
	}
	return nil
}

// taskAdd adjusts the outstanding-task counter. Reaching zero closes
// the frontier: every discovered URL has been handled.
func (s *Session) taskAdd(delta int) {
	if delta == 0 {
		return
	}
	s.outstandingMu.Lock()
	s.outstanding += delta
	drained := s.outstanding <= 0
	s.outstandingMu.Unlock()
	if drained {
		s.sched.Close(models.TerminationExhausted)
	}
}

func (s *Session) worker(ctx context.Context, id int) {
	workerLog := s.log.WithField("worker_id", id)
	workerLog.Debug("Worker started")
	for {
		task, ok := s.sched.Next()
		if !ok {
			workerLog.Debugf("Worker exiting: %s", s.sched.Termination())
			return
		}
		select {
		case <-ctx.Done():
			// Hand the task back for a future session before leaving.
			s.sched.Release(task)
			workerLog.Debug("Worker exiting on cancellation")
			return
		default:
		}
		s.processTask(ctx, task, workerLog)
		s.taskAdd(-1)
	}
}

// processTask runs the full pipeline for one URL: crawlability gate,
// policy-aware fetch, extraction, then link/edge feedback.
func (s *Session) processTask(ctx context.Context, task *models.Task, workerLog *logrus.Entry) {
	taskLog := workerLog.WithFields(logrus.Fields{"url": task.URL, "depth": task.Depth})

	parsed, err := url.Parse(task.URL)
	if err != nil {
		s.sched.MarkVisited(task.URL)
		return
	}
	host := parsed.Hostname()

	if s.policies.IsBlocked(host) {
		taskLog.Debug("Skipping task for blocked host")
		s.sched.MarkVisited(task.URL)
		s.countBlockedPage()
		return
	}

	profile := s.profileFor(ctx, task, parsed.Scheme, host, taskLog)
	if profile != nil && !profile.Permits(task.URL) {
		taskLog.Info("URL disallowed by robots rules, recording without fetch")
		s.sched.MarkVisited(task.URL)
		s.statsMu.Lock()
		s.stats.DisallowedLinks++
		s.statsMu.Unlock()
		return
	}

	if s.store != nil {
		if _, err := s.store.MarkPagePending(task.URL, task.Depth); err != nil {
			taskLog.Warnf("Failed to persist pending state: %v", err)
		}
	}

	task.Attempts++
	page, fetchErr := s.fetcher.Fetch(ctx, task.URL)
	if fetchErr != nil {
		s.handleFetchFailure(task, host, fetchErr, taskLog)
		return
	}
	s.policies.RecordSuccess(host)

	product, links, extractErr := s.extract.Extract(page)
	if extractErr != nil {
		// Unparseable DOM still yields a record, just an empty one.
		taskLog.Warnf("Extraction failed: %v", extractErr)
	}

	s.graph.AddNode(task.URL)
	enqueued := 0
	for _, link := range links {
		s.graph.AddEdge(task.URL, link)
		if profile != nil && !profile.Permits(link) {
			s.statsMu.Lock()
			s.stats.DisallowedLinks++
			s.statsMu.Unlock()
			continue
		}
		added, errEnq := s.sched.Enqueue(link, task.Depth+1, task.URL, false)
		if errEnq != nil {
			// Rejections are tallied by the scheduler itself.
			continue
		}
		if added {
			s.taskAdd(1)
			enqueued++
		}
	}

	record := &models.CrawlRecord{
		URL:           task.URL,
		Status:        "success",
		HTTPStatus:    page.HTTPStatus,
		ContentHash:   utils.CalculateStringSHA256(page.HTML),
		Product:       product,
		OutgoingLinks: links,
		FetchedAt:     page.FetchedAt,
		Depth:         task.Depth,
	}
	s.persistOutcome(task, record, models.PageStatusSuccess, "", taskLog)
	s.sched.MarkVisited(task.URL)

	s.statsMu.Lock()
	s.stats.PagesVisited++
	if product != nil {
		s.stats.ProductsFound++
	}
	s.statsMu.Unlock()

	taskLog.WithFields(logrus.Fields{
		"links_found":    len(links),
		"links_enqueued": enqueued,
		"product":        product != nil,
	}).Info("Page processed")
}

// profileFor fetches the host's crawlability profile, seeding sitemap
// URLs into the frontier the first time a host is seen. Analyzer
// failures degrade to "no profile", treated as fully open.
func (s *Session) profileFor(ctx context.Context, task *models.Task, scheme, host string, taskLog *logrus.Entry) *crawlability.Profile {
	profile, err := s.analyzer.Analyze(ctx, scheme, host)
	if err != nil {
		taskLog.Warnf("Crawlability analysis failed, treating host as open: %v", err)
		return nil
	}

	s.statsMu.Lock()
	seeded := s.seededHosts[host]
	if !seeded {
		s.seededHosts[host] = true
		s.crawlabilitySum += profile.Score
		s.crawlabilityHits++
	}
	s.statsMu.Unlock()

	if !seeded {
		count := 0
		for _, smURL := range profile.SitemapURLs {
			added, errEnq := s.sched.Enqueue(smURL, task.Depth+1, task.URL, true)
			if errEnq != nil || !added {
				continue
			}
			s.taskAdd(1)
			count++
		}
		if count > 0 {
			taskLog.Infof("Seeded %d sitemap URLs for host %s", count, host)
			s.statsMu.Lock()
			s.stats.SitemapURLsSeeded += count
			s.statsMu.Unlock()
		}
	}
	return profile
}

// handleFetchFailure feeds the failure into the policy machine and then
// either re-queues the task for another attempt or records it as a
// terminal failure once the attempt allocation is spent or the host is
// blocked. A re-queued task waits out whatever delay or cooldown the
// policy now mandates before its next fetch.
func (s *Session) handleFetchFailure(task *models.Task, host string, fetchErr error, taskLog *logrus.Entry) {
	category := utils.CategorizeError(fetchErr)
	hostBlocked := false

	var fe *models.FetchError
	if errors.As(fetchErr, &fe) {
		newState := s.policies.RecordFailure(host, fe.Kind)
		hostBlocked = newState == policy.StateBlocked
		taskLog.WithFields(logrus.Fields{
			"error_type": category,
			"host_state": string(newState),
			"attempt":    task.Attempts,
		}).Warn("Fetch failed")
	} else {
		taskLog.Warnf("Fetch failed with unclassified error: %v", fetchErr)
	}

	if !hostBlocked && task.Attempts < s.cfg.Policy.MaxRetries {
		taskLog.WithField("attempt", task.Attempts).Info("Re-queueing failed URL for retry")
		s.taskAdd(1) // stays outstanding; the worker's decrement follows
		s.sched.Release(task)
		return
	}

	record := &models.CrawlRecord{
		URL:       task.URL,
		Status:    "failure",
		ErrorType: category,
		FetchedAt: time.Now(),
		Depth:     task.Depth,
	}
	if fe != nil {
		record.HTTPStatus = fe.HTTPStatus
	}
	s.persistOutcome(task, record, models.PageStatusFailure, category, taskLog)
	s.sched.MarkVisited(task.URL)

	s.statsMu.Lock()
	s.stats.FetchFailures++
	s.statsMu.Unlock()
}

func (s *Session) persistOutcome(task *models.Task, record *models.CrawlRecord, status models.PageStatus, errorType string, taskLog *logrus.Entry) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRecord(record); err != nil {
		taskLog.Errorf("Failed to save crawl record: %v", err)
	}
	entry := &models.PageDBEntry{
		Status:      status,
		ErrorType:   errorType,
		ProcessedAt: time.Now(),
		LastAttempt: time.Now(),
		Depth:       task.Depth,
	}
	if err := s.store.UpdatePageStatus(task.URL, entry); err != nil {
		taskLog.Errorf("Failed to update page status: %v", err)
	}
}

func (s *Session) countBlockedPage() {
	s.statsMu.Lock()
	s.stats.PagesBlocked++
	s.statsMu.Unlock()
}

// finish computes rank scores over the final graph, persists the
// snapshot, and assembles the summary.
func (s *Session) finish() (*Summary, error) {
	snap := s.graph.Snapshot()
	scores, rankTerm := graph.RankSnapshot(snap, s.cfg.Rank.DampingFactor, s.cfg.Rank.MaxIterations, s.cfg.Rank.Tolerance)
	s.log.WithFields(logrus.Fields{
		"nodes":      len(snap.Nodes),
		"converged":  rankTerm.Converged,
		"iterations": rankTerm.Iterations,
	}).Info("PageRank computation finished")

	s.statsMu.Lock()
	s.stats.Elapsed = time.Since(s.stats.StartTime)
	s.stats.Termination = s.sched.Termination().String()
	s.stats.RejectedLinks = s.sched.RejectedCount()
	if s.crawlabilityHits > 0 {
		s.stats.AvgCrawlability = s.crawlabilitySum / float64(s.crawlabilityHits)
	}
	stats := s.stats
	s.statsMu.Unlock()

	summary := &Summary{
		Stats:           stats,
		Scores:          scores,
		RankTermination: rankTerm,
		BlockedHosts:    s.policies.BlockedHosts(),
		Graph:           snap,
	}

	if s.store != nil {
		if err := s.store.SaveGraph(snap); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// Stats returns a point-in-time copy of the session statistics.
func (s *Session) Stats() models.CrawlStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
