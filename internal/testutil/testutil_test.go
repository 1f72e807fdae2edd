package testutil

import "testing"

func TestNewCacheAndZeroBlock(t *testing.T) {
	cache := NewCache(t, 8, 64)
	ZeroBlock(t, cache, Dev, 5)

	b, ok := cache.Bread(Dev, 5)
	if !ok {
		t.Fatalf("Bread: want ok")
	}
	for i, v := range b.Data() {
		if v != 0 {
			t.Fatalf("ZeroBlock: byte %d = %d, want 0", i, v)
		}
	}
	cache.Brelse(b)
}
