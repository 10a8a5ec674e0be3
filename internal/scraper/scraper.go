// Package scraper defines the contract between the pipeline and the
// platform-specific collectors that feed it. Scraper bodies for individual
// platforms (Weibo, Douyin, Toutiao, Hupu, ...) are out of scope; only the
// interface the ingestion scheduler calls against is defined here.
package scraper

import (
	"context"
	"sync"
	"time"
)

// Record is one raw item as handed back by a platform collector, before it
// is normalized into a SourceItem.
type Record struct {
	Platform     string
	Title        string
	URL          string
	Summary      *string
	PublishedAt  *time.Time
	Interactions map[string]any
	RawHeat      *float64
}

// Fetcher collects the current hot-list for one platform.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Record, error)
}

// Registry dispatches ingestion across every configured platform fetcher,
// tolerating individual platform failures so one dead collector doesn't
// block the others.
type Registry struct {
	Fetchers map[string]Fetcher
}

// FetchAll runs every registered fetcher concurrently, one goroutine per
// platform, and concatenates their records. A platform whose Fetch call
// errors is skipped and its error is collected rather than aborting the
// whole run; a dead collector never blocks the others.
func (r *Registry) FetchAll(ctx context.Context) ([]Record, map[string]error) {
	var (
		mu   sync.Mutex
		out  []Record
		errs = map[string]error{}
		wg   sync.WaitGroup
	)
	for platform, f := range r.Fetchers {
		wg.Add(1)
		go func(platform string, f Fetcher) {
			defer wg.Done()
			recs, err := f.Fetch(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[platform] = err
				return
			}
			out = append(out, recs...)
		}(platform, f)
	}
	wg.Wait()
	return out, errs
}
