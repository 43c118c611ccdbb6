package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/pixgate/internal/runtime/planner"
)

func sampleEntry() Entry {
	return Entry{
		Body:         []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0xff},
		ContentType:  "image/webp",
		OriginalSize: 2048,
		Transformed:  true,
		ETag:         `"abc123"`,
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, time.Minute)

	require.NoError(t, c.Store(ctx, "k", sampleEntry()))
	got, ok, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sampleEntry().Body, got.Body)
	require.Equal(t, "image/webp", got.ContentType)
	require.Equal(t, 2048, got.OriginalSize)
	require.False(t, got.StoredAt.IsZero())
	require.Equal(t, got.StoredAt.Add(time.Minute), got.ExpiresAt)

	size, err := c.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)

	_, ok, err = c.Lookup(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Close(ctx))
	size, err = c.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2, time.Minute)

	require.NoError(t, c.Store(ctx, "a", sampleEntry()))
	require.NoError(t, c.Store(ctx, "b", sampleEntry()))
	_, ok, _ := c.Lookup(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Store(ctx, "c", sampleEntry()))

	_, ok, _ = c.Lookup(ctx, "b")
	require.False(t, ok, "b was least recently used")
	_, ok, _ = c.Lookup(ctx, "a")
	require.True(t, ok)
	_, ok, _ = c.Lookup(ctx, "c")
	require.True(t, ok)
}

func TestMemoryCacheHonoursEntryExpiry(t *testing.T) {
	ctx := context.Background()
	mc := NewMemory(10, time.Hour).(*memoryCache)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { return now }

	entry := sampleEntry()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(time.Minute)
	require.NoError(t, mc.Store(ctx, "short", entry))

	_, ok, _ := mc.Lookup(ctx, "short")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = mc.Lookup(ctx, "short")
	require.False(t, ok)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)

	c, err := NewRedis(RedisConfig{Address: server.Addr(), TTL: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "pixgate:1:abc", sampleEntry()))
	got, ok, err := c.Lookup(ctx, "pixgate:1:abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sampleEntry().Body, got.Body)
	require.Equal(t, `"abc123"`, got.ETag)

	size, err := c.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)

	server.FastForward(2 * time.Second)
	_, ok, err = c.Lookup(ctx, "pixgate:1:abc")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Close(ctx))
}

func TestNewRedisRequiresAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}

func TestSignatureDistinguishesInputs(t *testing.T) {
	yes, no := true, false
	base := planner.TransformRequest{SourceURL: "https://img.example.com/a.jpg", Width: 400}

	variants := []planner.TransformRequest{
		base,
		{SourceURL: "https://img.example.com/b.jpg", Width: 400},
		{SourceURL: base.SourceURL, Width: 401},
		{SourceURL: base.SourceURL, Width: 400, Height: 10},
		{SourceURL: base.SourceURL, Width: 400, Quality: 75},
		{SourceURL: base.SourceURL, Width: 400, Fit: planner.FitInside},
		{SourceURL: base.SourceURL, Width: 400, Format: planner.FormatWebP},
		{SourceURL: base.SourceURL, Width: 400, Sharpen: &yes, SharpenLevel: planner.LevelLow},
		{SourceURL: base.SourceURL, Width: 400, Sharpen: &no},
		{SourceURL: base.SourceURL, Width: 400, TextHint: &no},
		{SourceURL: base.SourceURL, Width: 400, TextHint: &yes},
	}

	seen := make(map[string]int)
	for i, req := range variants {
		sig := Signature(req, Flags{DefaultFormat: "webp"})
		prev, dup := seen[sig]
		require.False(t, dup, "variant %d collides with %d", i, prev)
		seen[sig] = i
	}

	require.NotEqual(t,
		Signature(base, Flags{DefaultFormat: "webp"}),
		Signature(base, Flags{DefaultFormat: "webp", AlwaysSharpen: true}))
}

func TestSignatureIsDeterministic(t *testing.T) {
	yes := true
	req := planner.TransformRequest{SourceURL: "https://x.example/a", Width: 10, Sharpen: &yes, SharpenLevel: planner.LevelHigh}
	again := planner.TransformRequest{SourceURL: "https://x.example/a", Width: 10, Sharpen: &yes, SharpenLevel: planner.LevelHigh}
	require.Equal(t, Signature(req, Flags{}), Signature(again, Flags{}))
}

func TestKeysScopeByNamespaceAndEpoch(t *testing.T) {
	sig := "c1|url=https://x"
	k1 := Keys{Namespace: "pixgate:image:v1", Epoch: 1}.Key(sig)
	k2 := Keys{Namespace: "pixgate:image:v1", Epoch: 2}.Key(sig)
	require.NotEqual(t, k1, k2)
	require.Regexp(t, `^pixgate:image:v1:1:[A-Za-z0-9_-]{43}$`, k1)
	require.Equal(t, k1, Keys{Namespace: "pixgate:image:v1", Epoch: 1}.Key(sig))
}
