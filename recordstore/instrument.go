package recordstore

import (
	"context"
	"time"

	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/query"
)

// Instrument wraps s so that every operation is counted and timed.
func Instrument(s Store, m *metrics.Metrics) Store {
	return &instrumented{Store: s, m: m}
}

type instrumented struct {
	Store
	m *metrics.Metrics
}

func (i *instrumented) Add(ctx context.Context, rec *Record) (err error) {
	defer func(start time.Time) { i.m.ObserveStore("add", start, err) }(time.Now())
	return i.Store.Add(ctx, rec)
}

func (i *instrumented) Get(ctx context.Context, msgID string) (rec *Record, err error) {
	defer func(start time.Time) { i.m.ObserveStore("get", start, err) }(time.Now())
	return i.Store.Get(ctx, msgID)
}

func (i *instrumented) Update(ctx context.Context, msgID string, partial *Record) (err error) {
	defer func(start time.Time) { i.m.ObserveStore("update", start, err) }(time.Now())
	return i.Store.Update(ctx, msgID, partial)
}

func (i *instrumented) Drop(ctx context.Context, msgID string) (err error) {
	defer func(start time.Time) { i.m.ObserveStore("drop", start, err) }(time.Now())
	return i.Store.Drop(ctx, msgID)
}

func (i *instrumented) DropMatching(ctx context.Context, q query.Query) (n int, err error) {
	defer func(start time.Time) { i.m.ObserveStore("drop_matching", start, err) }(time.Now())
	return i.Store.DropMatching(ctx, q)
}

func (i *instrumented) Find(ctx context.Context, q query.Query, keys []string) (recs []*Record, err error) {
	defer func(start time.Time) { i.m.ObserveStore("find", start, err) }(time.Now())
	return i.Store.Find(ctx, q, keys)
}

func (i *instrumented) History(ctx context.Context) (ids []string, err error) {
	defer func(start time.Time) { i.m.ObserveStore("history", start, err) }(time.Now())
	return i.Store.History(ctx)
}
