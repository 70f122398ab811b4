package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func sampleRecord(ts time.Time) Record {
	return Record{
		ID:         uuid.NewString(),
		TS:         ts,
		Generation: 1,
		Kind:       "progress",
		Phase:      "running",
		URL:        "https://example.com",
		Crawled:    5,
		Queued:     5,
		Progress:   50,
	}
}

// TestStoreAppendAndRecent verifies the round trip and newest-first ordering.
func TestStoreAppendAndRecent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	var records []Record
	for i := 0; i < 5; i++ {
		r := sampleRecord(base.Add(time.Duration(i) * time.Second))
		r.Message = fmt.Sprintf("event %d", i)
		records = append(records, r)
	}
	require.NoError(t, store.Append(ctx, records))

	got, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "event 4", got[0].Message)
	require.Equal(t, "event 2", got[2].Message)
	require.Equal(t, records[4].TS.UnixMilli(), got[0].TS.UnixMilli())
	require.Equal(t, "running", got[0].Phase)
}

// TestStoreAppendIdempotent verifies duplicate IDs are ignored rather than
// erroring, so sink retries are safe.
func TestStoreAppendIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	r := sampleRecord(time.Now())
	require.NoError(t, store.Append(ctx, []Record{r}))
	require.NoError(t, store.Append(ctx, []Record{r}))

	got, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// TestStoreAppendEmptyBatch is a no-op.
func TestStoreAppendEmptyBatch(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	require.NoError(t, store.Append(context.Background(), nil))
}

// TestStorePrune verifies old records are removed by the cutoff.
func TestStorePrune(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	old := sampleRecord(now.Add(-48 * time.Hour))
	fresh := sampleRecord(now)
	require.NoError(t, store.Append(ctx, []Record{old, fresh}))

	pruned, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	got, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, fresh.ID, got[0].ID)
}

// TestStoreRecentDefaultLimit verifies non-positive limits fall back to the
// default instead of returning nothing.
func TestStoreRecentDefaultLimit(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, []Record{sampleRecord(time.Now())}))

	got, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// TestStoreOpenCreatesDirectory verifies nested paths are created on demand.
func TestStoreOpenCreatesDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "history.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
