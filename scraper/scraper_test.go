package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-estates/config"
	"github.com/aluiziolira/go-scrape-estates/models"
	"github.com/aluiziolira/go-scrape-estates/pipeline"
	"github.com/jarcoal/httpmock"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test/deptos-alquiler.html"
	cfg.BatchSize = 100
	cfg.MaxRetries = 1
	cfg.RetryCooldown = 5 * time.Minute
	return cfg
}

// buildListingPage renders a page fixture carrying the embedded payload and
// a result-count heading.
func buildListingPage(heading string, page, size int) string {
	var postings []string
	for i := 1; i <= size; i++ {
		id := (page-1)*size + i
		postings = append(postings, fmt.Sprintf(
			`{"postingId":"post-%d","expenses":{"formattedAmount":"15.000","currency":"ARS"}}`, id))
	}
	payload := fmt.Sprintf(`{"listStore":{"listPostings":[%s]}}`, strings.Join(postings, ","))

	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h1>%s</h1>", heading)
	b.WriteString(`<script id="preloadedData">`)
	fmt.Fprintf(&b, "\n\t\t\twindow.__PRELOADED_STATE__ = %s;\n\t\t\twindow.__SITE_DATA__ = {};\n\t\t", payload)
	b.WriteString("</script></body></html>")
	return b.String()
}

type fakeFetcher struct {
	pages  map[string]string
	errs   map[string][]error
	visits []string
}

func (f *fakeFetcher) GetText(pageURL string) (string, error) {
	f.visits = append(f.visits, pageURL)
	if queue := f.errs[pageURL]; len(queue) > 0 {
		err := queue[0]
		f.errs[pageURL] = queue[1:]
		if err != nil {
			return "", err
		}
	}
	body, ok := f.pages[pageURL]
	if !ok {
		return "", ErrTransport{URL: pageURL, Err: errors.New("no fixture for url")}
	}
	return body, nil
}

type fakeStore struct {
	batches    [][]models.FlatRow
	recoveries map[int][]models.FlatRow
	failOn     map[int]bool // 1-based append sequence numbers that fail
	appends    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recoveries: make(map[int][]models.FlatRow),
		failOn:     make(map[int]bool),
	}
}

func (fs *fakeStore) Append(rows []models.FlatRow) error {
	fs.appends++
	if fs.failOn[fs.appends] {
		return errors.New("simulated append failure")
	}
	batch := make([]models.FlatRow, len(rows))
	copy(batch, rows)
	fs.batches = append(fs.batches, batch)
	return nil
}

func (fs *fakeStore) WriteRecovery(batch int, rows []models.FlatRow) (string, error) {
	saved := make([]models.FlatRow, len(rows))
	copy(saved, rows)
	fs.recoveries[batch] = saved
	return fmt.Sprintf("recovery-%d.parquet", batch), nil
}

func (fs *fakeStore) Root() string {
	return "fakestore"
}

func (fs *fakeStore) ReadAll() ([]models.FlatRow, error) {
	var all []models.FlatRow
	for _, batch := range fs.batches {
		all = append(all, batch...)
	}
	return all, nil
}

func (fs *fakeStore) storedRows() int {
	total := 0
	for _, batch := range fs.batches {
		total += len(batch)
	}
	return total
}

func newTestScraper(t *testing.T, cfg *config.Config, fetcher Fetcher, store pipeline.Store) (*Scraper, *[]time.Duration) {
	t.Helper()
	acc, err := pipeline.NewAccumulator(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("new accumulator: %v", err)
	}

	waits := &[]time.Duration{}
	return &Scraper{
		cfg:          cfg,
		fetcher:      fetcher,
		pacer:        NewPacer(),
		acc:          acc,
		Metrics:      NewMetrics(),
		baseURL:      NormalizeTarget(cfg.BaseURL),
		errorsByType: make(map[string]int),
		wait: func(ctx context.Context, d time.Duration) error {
			*waits = append(*waits, d)
			return nil
		},
	}, waits
}

func pageFixtures(heading string, pages, size int) map[string]string {
	fixtures := map[string]string{
		"http://example.test/deptos-alquiler.html": buildListingPage(heading, 1, size),
	}
	for p := 2; p <= pages; p++ {
		url := fmt.Sprintf("http://example.test/deptos-alquiler-pagina-%d.html", p)
		fixtures[url] = buildListingPage(heading, p, size)
	}
	return fixtures
}

func TestScraperRunFetchesAllPagesInOrder(t *testing.T) {
	cfg := testConfig()
	fetcher := &fakeFetcher{pages: pageFixtures("120 resultados encontrados", 3, 40)}
	store := newFakeStore()
	s, _ := newTestScraper(t, cfg, fetcher, store)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	wantVisits := []string{
		"http://example.test/deptos-alquiler.html",
		"http://example.test/deptos-alquiler-pagina-2.html",
		"http://example.test/deptos-alquiler-pagina-3.html",
	}
	if len(fetcher.visits) != len(wantVisits) {
		t.Fatalf("visits = %v, want %v", fetcher.visits, wantVisits)
	}
	for i, url := range wantVisits {
		if fetcher.visits[i] != url {
			t.Fatalf("visit %d = %q, want %q", i, fetcher.visits[i], url)
		}
	}

	if result.TotalPages != 3 || result.PageCount != 3 {
		t.Fatalf("pages = %d/%d, want 3/3", result.PageCount, result.TotalPages)
	}
	if result.TotalRecords != 120 || store.storedRows() != 120 {
		t.Fatalf("records = %d (stored %d), want 120", result.TotalRecords, store.storedRows())
	}
}

func TestScraperFlushBoundaries(t *testing.T) {
	// 250 records in pages of 50 with batch size 100: flushes at 100, 200,
	// and a final flush of 50.
	cfg := testConfig()
	fetcher := &fakeFetcher{pages: pageFixtures("250 resultados encontrados", 5, 50)}
	store := newFakeStore()
	s, _ := newTestScraper(t, cfg, fetcher, store)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(store.batches) != 3 {
		t.Fatalf("flushes = %d, want 3", len(store.batches))
	}
	sizes := []int{len(store.batches[0]), len(store.batches[1]), len(store.batches[2])}
	if sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Fatalf("batch sizes = %v, want [100 100 50]", sizes)
	}
	if store.storedRows() != 250 {
		t.Fatalf("stored rows = %d, want 250", store.storedRows())
	}
}

func TestScraperMaxRecordsCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecords = 80
	fetcher := &fakeFetcher{pages: pageFixtures("1.000 resultados encontrados", 5, 40)}
	store := newFakeStore()
	s, _ := newTestScraper(t, cfg, fetcher, store)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalPages != 2 {
		t.Fatalf("total pages = %d, want 2 under cap", result.TotalPages)
	}
	if store.storedRows() != 80 {
		t.Fatalf("stored rows = %d, want 80", store.storedRows())
	}
}

func TestScraperEmptyFirstPage(t *testing.T) {
	cfg := testConfig()
	fetcher := &fakeFetcher{pages: pageFixtures("Departamentos en alquiler", 1, 0)}
	store := newFakeStore()
	s, _ := newTestScraper(t, cfg, fetcher, store)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalRecords != 0 || len(store.batches) != 0 {
		t.Fatalf("empty crawl should store nothing, got %d records", result.TotalRecords)
	}
}

func TestScraperRetryResumesFailedPage(t *testing.T) {
	cfg := testConfig()
	page3 := "http://example.test/deptos-alquiler-pagina-3.html"
	fetcher := &fakeFetcher{
		pages: pageFixtures("120 resultados encontrados", 3, 40),
		errs: map[string][]error{
			page3: {ErrTransport{URL: page3, Err: errors.New("connection reset")}},
		},
	}
	store := newFakeStore()
	s, waits := newTestScraper(t, cfg, fetcher, store)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", result.RetryCount)
	}
	if result.TotalRecords != 120 {
		t.Fatalf("records = %d, want 120 after resume", result.TotalRecords)
	}
	// The 80 records fetched before the failure were flushed before waiting.
	if len(store.batches) == 0 || len(store.batches[0]) != 80 {
		t.Fatalf("first flush should hold the 80 pre-failure records, got %v", store.batches)
	}
	cooldowns := 0
	for _, d := range *waits {
		if d == cfg.RetryCooldown {
			cooldowns++
		}
	}
	if cooldowns != 1 {
		t.Fatalf("cooldown waits = %d, want 1", cooldowns)
	}
}

func TestScraperBlockedAbortsAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	page3 := "http://example.test/deptos-alquiler-pagina-3.html"
	blocked := ErrBlocked{URL: page3, StatusCode: http.StatusForbidden, Err: errors.New("forbidden")}
	fetcher := &fakeFetcher{
		pages: pageFixtures("120 resultados encontrados", 3, 40),
		errs:  map[string][]error{page3: {blocked, blocked}},
	}
	delete(fetcher.pages, page3) // the page never loads

	store := newFakeStore()
	s, waits := newTestScraper(t, cfg, fetcher, store)

	result, err := s.Run(context.Background())
	if err == nil {
		t.Fatalf("expected blocked crawl to fail")
	}
	var gotBlocked ErrBlocked
	if !errors.As(err, &gotBlocked) {
		t.Fatalf("error should classify as blocked, got %v", err)
	}
	if !strings.Contains(err.Error(), "guidance") {
		t.Fatalf("abort should surface guidance, got %v", err)
	}

	if result.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", result.RetryCount)
	}
	if result.ErrorsByType["blocked"] != 2 {
		t.Fatalf("blocked errors = %d, want 2", result.ErrorsByType["blocked"])
	}
	// All records fetched before the abort were flushed.
	if store.storedRows() != 80 {
		t.Fatalf("stored rows = %d, want 80", store.storedRows())
	}
	cooldowns := 0
	for _, d := range *waits {
		if d == cfg.RetryCooldown {
			cooldowns++
		}
	}
	if cooldowns != 1 {
		t.Fatalf("cooldown waits = %d, want exactly 1", cooldowns)
	}
}

func TestScraperErrorStreakWidensPacing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	page2 := "http://example.test/deptos-alquiler-pagina-2.html"
	transient := ErrTransport{URL: page2, Err: errors.New("connection reset")}
	fetcher := &fakeFetcher{
		pages: pageFixtures("120 resultados encontrados", 3, 40),
		errs:  map[string][]error{page2: {transient, transient, transient}},
	}
	store := newFakeStore()
	s, _ := newTestScraper(t, cfg, fetcher, store)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalRecords != 120 {
		t.Fatalf("records = %d, want 120 after resume", result.TotalRecords)
	}
	// The third consecutive failure widens the delay bounds even though the
	// crawl later recovers.
	if s.pacer.Backoffs() != 1 {
		t.Fatalf("backoffs = %d, want 1 after a 3-error streak", s.pacer.Backoffs())
	}
}

func TestScraperAbortKeepsWidenedPacingBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	page2 := "http://example.test/deptos-alquiler-pagina-2.html"
	transient := ErrTransport{URL: page2, Err: errors.New("connection reset")}
	fetcher := &fakeFetcher{
		pages: pageFixtures("120 resultados encontrados", 3, 40),
		errs:  map[string][]error{page2: {transient, transient, transient}},
	}
	delete(fetcher.pages, page2)

	store := newFakeStore()
	s, _ := newTestScraper(t, cfg, fetcher, store)

	if _, err := s.Run(context.Background()); err == nil {
		t.Fatal("expected the crawl to abort once retries are exhausted")
	}
	if s.pacer.Backoffs() != 1 {
		t.Fatalf("backoffs = %d, want 1 after a 3-error streak", s.pacer.Backoffs())
	}
	minDelay, maxDelay := s.pacer.Bounds()
	if minDelay != 750*time.Millisecond || maxDelay != 1500*time.Millisecond {
		t.Fatalf("bounds = %v/%v, want 750ms/1.5s after one backoff", minDelay, maxDelay)
	}
}

func TestScraperPersistenceFailureDoesNotAbort(t *testing.T) {
	cfg := testConfig()
	fetcher := &fakeFetcher{pages: pageFixtures("250 resultados encontrados", 5, 50)}
	store := newFakeStore()
	store.failOn[2] = true // second append fails, batch goes to recovery
	s, _ := newTestScraper(t, cfg, fetcher, store)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("persistence failures must not fail the crawl: %v", err)
	}

	if result.TotalRecords != 250 {
		t.Fatalf("records = %d, want 250 across store and recovery", result.TotalRecords)
	}
	if got := len(store.recoveries[2]); got != 100 {
		t.Fatalf("recovery batch 2 rows = %d, want 100", got)
	}
	if store.storedRows() != 150 {
		t.Fatalf("stored rows = %d, want 150", store.storedRows())
	}
}

func TestScraperIntegrationWithCollyFetcher(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0

	transport := httpmock.NewMockTransport()
	for url, body := range pageFixtures("120 resultados encontrados", 3, 40) {
		resp := httpmock.NewStringResponse(200, body)
		resp.Header.Set("Content-Type", "text/html")
		transport.RegisterResponder("GET", url, httpmock.ResponderFromResponse(resp))
	}

	store := newFakeStore()
	acc, err := pipeline.NewAccumulator(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("new accumulator: %v", err)
	}
	s, err := NewScraper(cfg, acc, nil)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.fetcher.(*collyFetcher).collector.WithTransport(transport)
	s.wait = func(ctx context.Context, d time.Duration) error { return nil }

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalRecords != 120 || store.storedRows() != 120 {
		t.Fatalf("records = %d (stored %d), want 120", result.TotalRecords, store.storedRows())
	}
}
