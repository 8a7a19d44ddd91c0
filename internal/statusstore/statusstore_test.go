package statusstore

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis keeps the hash in memory and answers with real cmd values.
type fakeRedis struct {
	hash map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hash: map[string]string{}}
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	v, ok := f.hash[field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	for i := 0; i+1 < len(values); i += 2 {
		f.hash[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd {
	if _, ok := f.hash[field]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.hash[field] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	out := make(map[string]string, len(f.hash))
	for k, v := range f.hash {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func newTestStore() (*Store, *fakeRedis) {
	f := newFakeRedis()
	return New(f, zerolog.Nop()), f
}

func TestPrimeInitialisesAbsentFieldsOnly(t *testing.T) {
	s, f := newTestStore()
	f.hash[FieldPaused] = `["carter"]`

	require.NoError(t, s.Prime(context.Background()))

	for _, field := range AllFields() {
		_, ok := f.hash[field]
		assert.True(t, ok, field)
	}
	// the pre-existing bucket is untouched
	assert.Equal(t, `["carter"]`, f.hash[FieldPaused])
	assert.Equal(t, `[]`, f.hash[FieldActive])
}

func TestGetListMissingFieldReadsEmpty(t *testing.T) {
	s, _ := newTestStore()
	names, err := s.GetList(context.Background(), FieldBlocked)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSetListSorts(t *testing.T) {
	s, f := newTestStore()
	require.NoError(t, s.SetList(context.Background(), FieldActive, []string{"obama", "biden", "carter"}))
	assert.Equal(t, `["biden","carter","obama"]`, f.hash[FieldActive])
}

func TestAddToAndRemoveFrom(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	added, err := s.AddTo(ctx, FieldPaused, "obama")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddTo(ctx, FieldPaused, "obama")
	require.NoError(t, err)
	assert.False(t, added)

	has, err := s.Contains(ctx, FieldPaused, "obama")
	require.NoError(t, err)
	assert.True(t, has)

	removed, err := s.RemoveFrom(ctx, FieldPaused, "obama")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveFrom(ctx, FieldPaused, "obama")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSnapshotCoversAllBuckets(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	require.NoError(t, s.Prime(ctx))
	require.NoError(t, s.SetList(ctx, FieldActive, []string{"obama"}))
	require.NoError(t, s.SetList(ctx, FieldBlocked, []string{"mallory"}))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, len(AllFields()))
	assert.Equal(t, []string{"obama"}, snap[FieldActive])
	assert.Equal(t, []string{"mallory"}, snap[FieldBlocked])
	assert.Empty(t, snap[FieldToClose])
}

func TestGetRaw(t *testing.T) {
	ctx := context.Background()
	s, f := newTestStore()
	f.hash[FieldActive] = `["obama"]`

	raw, err := s.GetRaw(ctx, FieldActive)
	require.NoError(t, err)
	assert.Equal(t, `["obama"]`, raw)

	raw, err = s.GetRaw(ctx, FieldNetError)
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}
