package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopcrawl/pkg/graph"
	"shopcrawl/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewBadgerStore(t *testing.T) {
	t.Run("fresh start has zero count", func(t *testing.T) {
		store := newTestStore(t)
		count, err := store.TrackedCount()
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("resume preserves data", func(t *testing.T) {
		dir := t.TempDir()
		logger := testLogger()

		store1, err := NewBadgerStore(dir, false, logger)
		require.NoError(t, err)
		_, err = store1.MarkPagePending("https://shop.example.com/p/1", 0)
		require.NoError(t, err)
		require.NoError(t, store1.Close())

		store2, err := NewBadgerStore(dir, true, logger)
		require.NoError(t, err)
		t.Cleanup(func() { store2.Close() })

		count, err := store2.TrackedCount()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("fresh start wipes data", func(t *testing.T) {
		dir := t.TempDir()
		logger := testLogger()

		store1, err := NewBadgerStore(dir, false, logger)
		require.NoError(t, err)
		_, err = store1.MarkPagePending("https://shop.example.com/p/1", 0)
		require.NoError(t, err)
		require.NoError(t, store1.Close())

		store2, err := NewBadgerStore(dir, false, logger)
		require.NoError(t, err)
		t.Cleanup(func() { store2.Close() })

		status, _, err := store2.CheckPageStatus("https://shop.example.com/p/1")
		require.NoError(t, err)
		assert.Equal(t, models.PageStatusNotFound, status)
	})
}

func TestMarkPagePending(t *testing.T) {
	store := newTestStore(t)

	added, err := store.MarkPagePending("https://shop.example.com/p/1", 2)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.MarkPagePending("https://shop.example.com/p/1", 2)
	require.NoError(t, err)
	assert.False(t, added)

	status, entry, err := store.CheckPageStatus("https://shop.example.com/p/1")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusPending, status)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Depth)
}

func TestUpdatePageStatus(t *testing.T) {
	store := newTestStore(t)

	_, err := store.MarkPagePending("https://shop.example.com/p/1", 1)
	require.NoError(t, err)

	err = store.UpdatePageStatus("https://shop.example.com/p/1", &models.PageDBEntry{
		Status:      models.PageStatusSuccess,
		ProcessedAt: time.Now(),
		LastAttempt: time.Now(),
		Depth:       1,
	})
	require.NoError(t, err)

	status, entry, err := store.CheckPageStatus("https://shop.example.com/p/1")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusSuccess, status)
	require.NotNil(t, entry)

	// Updating an existing key does not inflate the count.
	count, err := store.TrackedCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveLoadRecords(t *testing.T) {
	store := newTestStore(t)

	rating := 4.5
	record := &models.CrawlRecord{
		URL:    "https://shop.example.com/p/1",
		Status: "success",
		Product: &models.Product{
			URL:    "https://shop.example.com/p/1",
			Title:  "Widget",
			Price:  &models.Price{Amount: 9.99, Currency: "USD", Raw: "$9.99"},
			Rating: &rating,
		},
		OutgoingLinks: []string{"https://shop.example.com/p/2"},
		FetchedAt:     time.Now().UTC().Truncate(time.Second),
		Depth:         1,
	}
	require.NoError(t, store.SaveRecord(record))

	records, err := store.LoadRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, *record, records[0])
}

func TestSaveRecordOverwrites(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveRecord(&models.CrawlRecord{URL: "https://shop.example.com/p/1", Status: "failure"}))
	require.NoError(t, store.SaveRecord(&models.CrawlRecord{URL: "https://shop.example.com/p/1", Status: "success"}))

	records, err := store.LoadRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "success", records[0].Status)
}

func TestSaveLoadGraph(t *testing.T) {
	store := newTestStore(t)

	g := graph.NewLinkGraph()
	g.AddEdge("https://shop.example.com/", "https://shop.example.com/p/1")
	g.AddEdge("https://shop.example.com/p/1", "https://shop.example.com/p/2")
	snap := g.Snapshot()
	graph.RankSnapshot(snap, 0.85, 100, 1e-9)

	require.NoError(t, store.SaveGraph(snap))

	loaded, err := store.LoadGraph()
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)
}

func TestLoadGraphAbsent(t *testing.T) {
	store := newTestStore(t)
	snap, err := store.LoadGraph()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRequeueIncomplete(t *testing.T) {
	store := newTestStore(t)

	_, err := store.MarkPagePending("https://shop.example.com/pending", 1)
	require.NoError(t, err)
	require.NoError(t, store.UpdatePageStatus("https://shop.example.com/failed", &models.PageDBEntry{
		Status: models.PageStatusFailure, LastAttempt: time.Now(), Depth: 2,
	}))
	require.NoError(t, store.UpdatePageStatus("https://shop.example.com/done", &models.PageDBEntry{
		Status: models.PageStatusSuccess, LastAttempt: time.Now(),
	}))

	requeued := make(map[string]int)
	count, scanErrors, err := store.RequeueIncomplete(context.Background(), func(url string, depth int) error {
		requeued[url] = depth
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 0, scanErrors)
	assert.Equal(t, map[string]int{
		"https://shop.example.com/pending": 1,
		"https://shop.example.com/failed":  2,
	}, requeued)
}

func TestExportImportRoundTrip(t *testing.T) {
	store := newTestStore(t)

	reviewCount := 12
	require.NoError(t, store.SaveRecord(&models.CrawlRecord{
		URL:    "https://shop.example.com/p/1",
		Status: "success",
		Product: &models.Product{
			URL:         "https://shop.example.com/p/1",
			Title:       "Widget",
			Price:       &models.Price{Amount: 19.99, Currency: "USD", Raw: "$19.99"},
			ReviewCount: &reviewCount,
			Images:      []string{"https://shop.example.com/img/w.jpg"},
		},
		OutgoingLinks: []string{"https://shop.example.com/p/2"},
		FetchedAt:     time.Now().UTC().Truncate(time.Second),
	}))
	require.NoError(t, store.SaveRecord(&models.CrawlRecord{
		URL: "https://shop.example.com/p/2", Status: "failure", ErrorType: "fetch_timeout",
		FetchedAt: time.Now().UTC().Truncate(time.Second),
	}))

	g := graph.NewLinkGraph()
	g.AddEdge("https://shop.example.com/p/1", "https://shop.example.com/p/2")
	snap := g.Snapshot()
	graph.RankSnapshot(snap, 0.85, 100, 1e-9)
	require.NoError(t, store.SaveGraph(snap))

	stats := &models.CrawlStats{PagesVisited: 2, ProductsFound: 1, Termination: "frontier_exhausted"}
	exported, err := store.CollectResults(stats)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportResults(&buf, exported))

	imported, err := ImportResults(&buf)
	require.NoError(t, err)

	assert.Equal(t, exported.Records, imported.Records)
	assert.Equal(t, exported.Graph, imported.Graph)
	assert.Equal(t, exported.Stats, imported.Stats)
}
