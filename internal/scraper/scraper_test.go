package scraper

import (
	"context"
	"errors"
	"testing"
)

type stubFetcher struct {
	records []Record
	err     error
}

func (s stubFetcher) Fetch(ctx context.Context) ([]Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

func TestFetchAllToleratesPartialFailure(t *testing.T) {
	reg := &Registry{Fetchers: map[string]Fetcher{
		"weibo":  stubFetcher{records: []Record{{Platform: "weibo", Title: "a"}}},
		"douyin": stubFetcher{err: errors.New("timeout")},
		"hupu":   stubFetcher{records: []Record{{Platform: "hupu", Title: "b"}, {Platform: "hupu", Title: "c"}}},
	}}

	records, errs := reg.FetchAll(context.Background())
	if len(records) != 3 {
		t.Fatalf("expected 3 records across surviving fetchers, got %d", len(records))
	}
	if len(errs) != 1 || errs["douyin"] == nil {
		t.Fatalf("expected one recorded error for douyin, got %+v", errs)
	}
}
