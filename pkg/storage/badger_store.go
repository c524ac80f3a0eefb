package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"shopcrawl/pkg/graph"
	"shopcrawl/pkg/models"
	"shopcrawl/pkg/utils"
)

const (
	pageKeyPrefix   = "page:"   // visitation state entries
	recordKeyPrefix = "record:" // crawl outcome entries
	graphKey        = "graph:snapshot"
	crawlDBDir      = "crawl_db" // subdirectory within stateDir
)

// badgerLogrusAdapter implements badger.Logger over a logrus entry.
type badgerLogrusAdapter struct {
	*logrus.Entry
}

func (l badgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warnf(f, v...) }

// BadgerStore implements the Store interface using BadgerDB.
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // cached page key count for O(1) TrackedCount
}

// NewBadgerStore initializes and returns a new BadgerStore. With resume
// false any prior state directory is removed first.
func NewBadgerStore(stateDir string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	dbPath := filepath.Join(stateDir, crawlDBDir)
	if !resume {
		logger.Warnf("Resume flag is false. Removing existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing crawl database at: %s (Resume: %v)", dbPath, resume)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogrusAdapter{logger.WithField("component", "badgerdb")}).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", dbPath, err)
	}

	if resume {
		count, err := store.countPageKeys()
		if err != nil {
			logger.Warnf("Failed to count existing keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded existing page key count on resume: %d", count)
		}
	}

	logger.Info("Crawl database initialized successfully.")
	return store, nil
}

// countPageKeys performs a one-time page key scan during resume init.
func (s *BadgerStore) countPageKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(pageKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction
// conflicts. Concurrent MVCC transactions on overlapping keys can
// return badger.ErrConflict; these resolve in microseconds, so a tight
// retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// MarkPagePending implements the PageStore interface.
func (s *BadgerStore) MarkPagePending(normalizedURL string, depth int) (bool, error) {
	if s.db == nil {
		return false, errors.New("crawl DB not initialized")
	}
	key := []byte(pageKeyPrefix + normalizedURL)

	entryBytes, err := json.Marshal(&models.PageDBEntry{
		Status:      models.PageStatusPending,
		LastAttempt: time.Now(),
		Depth:       depth,
	})
	if err != nil {
		return false, fmt.Errorf("%w: marshaling pending entry for '%s': %w", utils.ErrParsing, normalizedURL, err)
	}

	added := false
	err = s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			errSet := txn.SetEntry(badger.NewEntry(key, entryBytes))
			if errSet == nil {
				added = true
			}
			return errSet
		}
		return errGet
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in MarkPagePending: %v", err)
		return false, fmt.Errorf("%w: marking page key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if added {
		s.keyCount.Add(1)
	}
	return added, nil
}

// CheckPageStatus implements the PageStore interface.
func (s *BadgerStore) CheckPageStatus(normalizedURL string) (models.PageStatus, *models.PageDBEntry, error) {
	status := models.PageStatusNotFound
	var entry *models.PageDBEntry
	key := []byte(pageKeyPrefix + normalizedURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			status = models.PageStatusNotFound
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting page key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				status = models.PageStatusPending
				return nil
			}
			var decoded models.PageDBEntry
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				s.log.Warnf("Failed to unmarshal PageDBEntry for key '%s': %v. Treating as 'pending'.", string(key), errJSON)
				status = models.PageStatusPending
				return nil
			}
			entry = &decoded
			status = decoded.Status
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in CheckPageStatus for key '%s': %v", string(key), errView)
		return models.PageStatusDBError, nil, errView
	}
	return status, entry, nil
}

// UpdatePageStatus implements the PageStore interface.
func (s *BadgerStore) UpdatePageStatus(normalizedURL string, entry *models.PageDBEntry) error {
	if s.db == nil {
		return errors.New("crawl DB not initialized")
	}
	key := []byte(pageKeyPrefix + normalizedURL)

	entryBytes, errJSON := json.Marshal(entry)
	if errJSON != nil {
		wrappedErr := fmt.Errorf("%w: failed to marshal PageDBEntry for key '%s': %w", utils.ErrParsing, string(key), errJSON)
		s.log.Error(wrappedErr)
		return wrappedErr
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		}
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in UpdatePageStatus: %v", err)
		return fmt.Errorf("%w: failed setting page status for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	s.log.Debugf("Updated page status for key '%s' to '%s'", string(key), entry.Status)
	return nil
}

// SaveRecord implements the RecordStore interface.
func (s *BadgerStore) SaveRecord(record *models.CrawlRecord) error {
	key := []byte(recordKeyPrefix + record.URL)
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal CrawlRecord for '%s': %w", utils.ErrParsing, record.URL, err)
	}
	if err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, recordBytes))
	}); err != nil {
		return fmt.Errorf("%w: failed saving record for '%s': %w", utils.ErrDatabase, record.URL, err)
	}
	return nil
}

// LoadRecords implements the RecordStore interface.
func (s *BadgerStore) LoadRecords() ([]models.CrawlRecord, error) {
	var records []models.CrawlRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(recordKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			errVal := it.Item().Value(func(val []byte) error {
				var record models.CrawlRecord
				if errJSON := json.Unmarshal(val, &record); errJSON != nil {
					s.log.Errorf("Failed to unmarshal CrawlRecord for key '%s': %v. Skipping.", string(it.Item().Key()), errJSON)
					return nil
				}
				records = append(records, record)
				return nil
			})
			if errVal != nil {
				return errVal
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading crawl records: %w", utils.ErrDatabase, err)
	}
	return records, nil
}

// SaveGraph implements the RecordStore interface.
func (s *BadgerStore) SaveGraph(snap *graph.GraphSnapshot) error {
	snapBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal graph snapshot: %w", utils.ErrParsing, err)
	}
	if err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(graphKey), snapBytes))
	}); err != nil {
		return fmt.Errorf("%w: failed saving graph snapshot: %w", utils.ErrDatabase, err)
	}
	return nil
}

// LoadGraph implements the RecordStore interface.
func (s *BadgerStore) LoadGraph() (*graph.GraphSnapshot, error) {
	var snap *graph.GraphSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get([]byte(graphKey))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		return item.Value(func(val []byte) error {
			var decoded graph.GraphSnapshot
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				return fmt.Errorf("%w: unmarshaling graph snapshot: %w", utils.ErrParsing, errJSON)
			}
			snap = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading graph snapshot: %w", utils.ErrDatabase, err)
	}
	return snap, nil
}

// TrackedCount implements the StoreAdmin interface. Returns the cached
// page key count maintained by atomic increments on writes.
func (s *BadgerStore) TrackedCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RequeueIncomplete implements the StoreAdmin interface.
func (s *BadgerStore) RequeueIncomplete(ctx context.Context, emit func(url string, depth int) error) (int, int, error) {
	s.log.Info("Resume mode: scanning database for incomplete tasks to requeue...")
	requeued := 0
	scanErrors := 0
	scanStart := time.Now()

	scanErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(pageKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				s.log.Warnf("Resume scan interrupted by context cancellation: %v", ctx.Err())
				return ctx.Err()
			default:
			}

			item := it.Item()
			url := string(item.KeyCopy(nil)[len(prefix):])

			errVal := item.Value(func(val []byte) error {
				var entry models.PageDBEntry
				if len(val) > 0 {
					if errJSON := json.Unmarshal(val, &entry); errJSON != nil {
						s.log.Errorf("Resume scan: failed unmarshal PageDBEntry for '%s': %v. Skipping.", url, errJSON)
						scanErrors++
						return nil
					}
				}
				if entry.Status == models.PageStatusPending || entry.Status == models.PageStatusFailure || entry.Status == models.PageStatusUnset {
					s.log.Debugf("Resume scan: requeueing '%s' (status: %s, depth: %d)", url, entry.Status, entry.Depth)
					if errEmit := emit(url, entry.Depth); errEmit != nil {
						return errEmit
					}
					requeued++
				}
				return nil
			})
			if errVal != nil {
				if errors.Is(errVal, context.Canceled) || errors.Is(errVal, context.DeadlineExceeded) {
					return errVal
				}
				s.log.Errorf("Resume scan: error handling key '%s': %v", url, errVal)
				scanErrors++
			}
		}
		return nil
	})

	if scanErr != nil && !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
		s.log.Errorf("Error during DB scan for resume: %v.", scanErr)
	}
	s.log.Infof("Resume scan complete: requeued %d tasks in %v. Errors: %d.", requeued, time.Since(scanStart), scanErrors)
	return requeued, scanErrors, scanErr
}

// RunGC runs BadgerDB's value log garbage collection periodically.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: database is nil or closed, skipping GC cycle.")
				continue
			}
			s.log.Info("Running BadgerDB value log garbage collection...")
			var err error
			for {
				// Run GC while the log has at least 50% reclaimable space.
				err = s.db.RunValueLogGC(0.5)
				if err != nil {
					break
				}
				s.log.Info("BadgerDB GC cycle completed.")
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Info("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the StoreAdmin interface.
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing crawl DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing crawl DB: %v", err)
			return err
		}
		s.log.Info("Crawl DB closed.")
		return nil
	}
	s.log.Info("Crawl DB already closed or was not initialized.")
	return nil
}
