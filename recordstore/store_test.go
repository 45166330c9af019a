package recordstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/query"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(minutes int) *time.Time {
	t := base.Add(time.Duration(minutes) * time.Minute)
	return &t
}

// fixtures covers set, unset and empty values of every kind.
func fixtures() []*Record {
	return []*Record{
		{
			MsgID: "t1", ClientID: "c1", EngineIdent: "e0", Queue: "task", Status: "ok",
			Submitted: at(0), Started: at(1), Completed: at(2), Received: at(3),
			Retries: Ptr(0), Targets: []string{"e0", "e1"}, After: []string{}, Follow: []string{"t0"},
			Content: []byte("in"), Buffers: [][]byte{[]byte("b1")}, ResultContent: []byte("out"),
			Stdout: "hello\n",
		},
		{
			MsgID: "t2", ClientID: "c1", EngineIdent: "e1", Queue: "task", Status: "error",
			Submitted: at(1), Completed: at(5), Retries: Ptr(2), After: []string{"t1"},
			ErrorName: "RemoteError", ErrorValue: "boom",
		},
		{
			MsgID: "t3", ClientID: "c2", Queue: "task",
			Submitted: at(1), Retries: Ptr(3), After: []string{"t1", "t2"},
		},
		{
			MsgID: "t4", ClientID: "c2", EngineIdent: "e0", Status: "ok", Completed: at(9),
		},
	}
}

type storeFactory func(t *testing.T) Store

func memoryFactory(t *testing.T) Store {
	return NewMemoryStore(Config{})
}

func sqliteFactory(t *testing.T) Store {
	s, err := OpenSQLite(context.Background(), ":memory:", "tasks")
	require.NoError(t, err)
	return s
}

func backends(t *testing.T) map[string]storeFactory {
	out := map[string]storeFactory{
		BackendMemory: memoryFactory,
		BackendSQLite: sqliteFactory,
	}
	if dsn := os.Getenv("TASKHUB_TEST_PG_DSN"); dsn != "" {
		out[BackendPostgres] = func(t *testing.T) Store {
			table := fmt.Sprintf("tasks_test_%d", time.Now().UnixNano())
			s, err := OpenPostgres(context.Background(), dsn, table)
			require.NoError(t, err)
			t.Cleanup(func() { s.DB().Exec("DROP TABLE " + table) })
			return s
		}
	}
	if uri := os.Getenv("TASKHUB_TEST_MONGO_URI"); uri != "" {
		out[BackendMongo] = func(t *testing.T) Store {
			coll := fmt.Sprintf("tasks_test_%d", time.Now().UnixNano())
			s, err := OpenMongo(context.Background(), uri, "taskhub_test", coll)
			require.NoError(t, err)
			t.Cleanup(func() { s.coll.Drop(context.Background()) })
			return s
		}
	}
	return out
}

func seeded(t *testing.T, f storeFactory) Store {
	s := f(t)
	t.Cleanup(func() { s.Close() })
	for _, rec := range fixtures() {
		require.NoError(t, s.Add(context.Background(), rec))
	}
	return s
}

func msgIDs(recs []*Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.MsgID)
	}
	return out
}

func TestStore_AddGet(t *testing.T) {
	ctx := context.Background()
	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := seeded(t, f)

			got, err := s.Get(ctx, "t1")
			require.NoError(t, err)
			want := fixtures()[0]
			assert.Equal(t, want.Content, got.Content)
			assert.Equal(t, want.Buffers, got.Buffers)
			assert.Equal(t, want.Targets, got.Targets)
			assert.Equal(t, []string{}, got.After)
			assert.Equal(t, 0, *got.Retries)
			assert.True(t, want.Submitted.Equal(*got.Submitted))
			assert.Equal(t, "hello\n", got.Stdout)
			assert.Nil(t, got.ResultBuffers)

			// reads are copies
			got.Content[0] = 'X'
			again, err := s.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []byte("in"), again.Content)

			err = s.Add(ctx, &Record{MsgID: "t1"})
			assert.True(t, IsDuplicate(err), "got %v", err)

			_, err = s.Get(ctx, "nope")
			assert.True(t, IsNotFound(err), "got %v", err)

			assert.Error(t, s.Add(ctx, &Record{}))
		})
	}
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := seeded(t, f)

			partial := &Record{Status: "ok", Completed: at(7), ResultContent: []byte("42"), Stderr: "warn"}
			require.NoError(t, s.Update(ctx, "t3", partial))
			// merging the same partial twice changes nothing
			require.NoError(t, s.Update(ctx, "t3", partial))

			got, err := s.Get(ctx, "t3")
			require.NoError(t, err)
			assert.Equal(t, "ok", got.Status)
			assert.Equal(t, "c2", got.ClientID)
			assert.Equal(t, []string{"t1", "t2"}, got.After)
			assert.Equal(t, []byte("42"), got.ResultContent)
			assert.Equal(t, "warn", got.Stderr)
			assert.True(t, at(7).Equal(*got.Completed))

			err = s.Update(ctx, "nope", partial)
			assert.True(t, IsNotFound(err), "got %v", err)
		})
	}
}

func TestStore_Find(t *testing.T) {
	ctx := context.Background()
	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := seeded(t, f)

			q, err := ParseQuery(map[string]any{"client_id": "c2"})
			require.NoError(t, err)
			recs, err := s.Find(ctx, q, []string{"status", "after"})
			require.NoError(t, err)
			require.Equal(t, []string{"t3", "t4"}, msgIDs(recs))
			assert.Equal(t, []string{"t1", "t2"}, recs[0].After)
			assert.Empty(t, recs[0].ClientID, "unprojected field should be unset")
			assert.Equal(t, "ok", recs[1].Status)

			all, err := s.Find(ctx, query.All(), nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, msgIDs(all))

			_, err = s.Find(ctx, query.All(), []string{"bogus"})
			assert.True(t, errors.Is(err, errors.ErrCodeInvalidRequest))
		})
	}
}

func TestStore_DropAndHistory(t *testing.T) {
	ctx := context.Background()
	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := seeded(t, f)

			hist, err := s.History(ctx)
			require.NoError(t, err)
			// t4 was never submitted; t2 and t3 tie and keep insertion order
			assert.Equal(t, []string{"t1", "t2", "t3"}, hist)

			require.NoError(t, s.Drop(ctx, "t2"))
			require.NoError(t, s.Drop(ctx, "t2"))
			_, err = s.Get(ctx, "t2")
			assert.True(t, IsNotFound(err))

			q, err := ParseQuery(map[string]any{"status": map[string]any{"$ne": nil}})
			require.NoError(t, err)
			n, err := s.DropMatching(ctx, q)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			hist, err = s.History(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"t3"}, hist)

			n, err = s.DropMatching(ctx, query.All())
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			hist, err = s.History(ctx)
			require.NoError(t, err)
			assert.Empty(t, hist)
		})
	}
}

// TestStore_QueryConsistency runs the same queries against every backend and
// the in-memory evaluator and expects identical answers.
func TestStore_QueryConsistency(t *testing.T) {
	queries := []map[string]any{
		{"engine_ident": "e0"},
		{"engine_ident": nil},
		{"engine_ident": map[string]any{"$ne": "e0"}},
		{"engine_ident": map[string]any{"$in": []any{"e1", nil}}},
		{"engine_ident": map[string]any{"$nin": []any{"e1"}}},
		{"status": map[string]any{"$exists": false}},
		{"completed": map[string]any{"$gte": base.Add(5 * time.Minute)}},
		{"submitted": map[string]any{"$lt": base.Add(time.Minute).Format(time.RFC3339)}},
		{"retries": map[string]any{"$gt": 0, "$lte": 3}},
		{"retries": map[string]any{"$mod": []any{2, 0}}},
		{"after": "t1"},
		{"after": []any{"t1"}},
		{"after": map[string]any{"$all": []any{"t1", "t2"}}},
		{"after": map[string]any{"$in": []any{"t2", "t9"}}},
		{"after": map[string]any{"$nin": []any{"t1"}}},
		{"after": map[string]any{"$exists": true}},
		{"targets": map[string]any{"$all": []any{}}},
		{"content": []byte("in")},
		{"client_id": "c1", "status": "error"},
		{"msg_id": map[string]any{"$gt": "t2"}},
	}

	ctx := context.Background()
	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := seeded(t, f)
			for _, doc := range queries {
				q, err := ParseQuery(doc)
				require.NoError(t, err, "%v", doc)

				var want []string
				for _, rec := range fixtures() {
					if q.Match(rec) {
						want = append(want, rec.MsgID)
					}
				}
				got, err := s.Find(ctx, q, []string{FieldMsgID})
				require.NoError(t, err, "%v", doc)
				assert.Equal(t, want, msgIDs(got), "query %v", doc)
			}
		})
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := f(t)
			defer s.Close()

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("m%d", i)
					assert.NoError(t, s.Add(ctx, &Record{MsgID: id, Submitted: at(i)}))
					assert.NoError(t, s.Update(ctx, id, &Record{Status: "ok"}))
					_, err := s.Find(ctx, query.All(), nil)
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			hist, err := s.History(ctx)
			require.NoError(t, err)
			assert.Len(t, hist, 8)
		})
	}
}

func TestMemoryStore_CullByCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Config{RecordLimit: 10, CullFraction: 0.5})
	for i := 0; i < 11; i++ {
		require.NoError(t, s.Add(ctx, &Record{MsgID: fmt.Sprintf("r%02d", i), Submitted: at(i)}))
	}
	assert.Equal(t, 5, s.Len())

	_, err := s.Get(ctx, "r00")
	assert.True(t, IsCulled(err), "got %v", err)
	err = s.Update(ctx, "r05", &Record{Status: "ok"})
	assert.True(t, IsCulled(err), "got %v", err)
	_, err = s.Get(ctx, "r06")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "never")
	assert.True(t, IsNotFound(err))

	// a culled id may be stored again
	require.NoError(t, s.Add(ctx, &Record{MsgID: "r00"}))
	_, err = s.Get(ctx, "r00")
	assert.NoError(t, err)
}

func TestMemoryStore_CullBySize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Config{SizeLimit: 100, CullFraction: 0.2})
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Add(ctx, &Record{MsgID: fmt.Sprintf("r%d", i), Content: make([]byte, 30)}))
	}
	// 120 bytes > 100: evict until at most 80 remain
	assert.Equal(t, int64(60), s.Bytes())
	assert.Equal(t, 2, s.Len())
	_, err := s.Get(ctx, "r1")
	assert.True(t, IsCulled(err))

	// growth through updates also culls
	require.NoError(t, s.Update(ctx, "r3", &Record{ResultContent: make([]byte, 50)}))
	assert.Equal(t, int64(80), s.Bytes())
	_, err = s.Get(ctx, "r2")
	assert.True(t, IsCulled(err))
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore(Config{})
	require.NoError(t, s.Close())
	err := s.Add(context.Background(), &Record{MsgID: "x"})
	assert.True(t, errors.Is(err, errors.ErrCodeStoreError))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Backend: BackendSQLite, SQLitePath: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	s.Close()

	_, err = Open(ctx, Config{Backend: "cassandra"})
	assert.True(t, errors.Is(err, errors.ErrCodeUnsupported))

	_, err = Open(ctx, Config{Backend: BackendMemory, CullFraction: 1.5})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: BackendPostgres})
	assert.Error(t, err)

	assert.Equal(t, []string{"memory", "mongo", "postgres", "sqlite"}, Backends())
}

func TestSQLite_InvalidTable(t *testing.T) {
	_, err := OpenSQLite(context.Background(), ":memory:", "tasks; DROP TABLE x")
	assert.Error(t, err)
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	m := metrics.Discard()
	s := Instrument(NewMemoryStore(Config{}), m)

	require.NoError(t, s.Add(ctx, &Record{MsgID: "a"}))
	_, err := s.Get(ctx, "missing")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("get", "error")))
}
