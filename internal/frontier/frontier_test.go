package frontier

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stillweb/stillweb/internal/mirror"
)

func entry(u string, depth int) mirror.FrontierEntry {
	return mirror.FrontierEntry{URL: mirror.CanonicalURL(u), Depth: depth}
}

func TestAddDeduplicates(t *testing.T) {
	t.Parallel()

	f := New(64)
	require.True(t, f.Add(entry("https://example.com/", 0)))
	require.False(t, f.Add(entry("https://example.com/", 0)))
	require.False(t, f.Add(entry("https://example.com/", 3)))
	require.Equal(t, 1, f.Len())
}

func TestPopOrdersByDepthThenDiscovery(t *testing.T) {
	t.Parallel()

	f := New(64)
	require.True(t, f.Add(entry("https://example.com/d1-a", 1)))
	require.True(t, f.Add(entry("https://example.com/d0-a", 0)))
	require.True(t, f.Add(entry("https://example.com/d2-a", 2)))
	require.True(t, f.Add(entry("https://example.com/d0-b", 0)))
	require.True(t, f.Add(entry("https://example.com/d1-b", 1)))

	var got []string
	for i := 0; i < 5; i++ {
		e, ok := f.Pop()
		require.True(t, ok)
		got = append(got, e.URL.String())
	}
	require.Equal(t, []string{
		"https://example.com/d0-a",
		"https://example.com/d0-b",
		"https://example.com/d1-a",
		"https://example.com/d1-b",
		"https://example.com/d2-a",
	}, got)
}

func TestShallowerEntryJumpsQueue(t *testing.T) {
	t.Parallel()

	f := New(64)
	require.True(t, f.Add(entry("https://example.com/deep", 4)))
	require.True(t, f.Add(entry("https://example.com/shallow", 1)))

	e, ok := f.Pop()
	require.True(t, ok)
	require.Equal(t, 1, e.Depth)
}

func TestMarkSeenBlocksLaterAdd(t *testing.T) {
	t.Parallel()

	f := New(64)
	require.True(t, f.MarkSeen("https://other.com/skipped"))
	require.False(t, f.MarkSeen("https://other.com/skipped"))
	require.False(t, f.Add(entry("https://other.com/skipped", 2)))
	require.True(t, f.Seen("https://other.com/skipped"))
	require.Equal(t, 0, f.Len())
}

func TestPopBlocksUntilAdd(t *testing.T) {
	t.Parallel()

	f := New(64)
	got := make(chan mirror.FrontierEntry, 1)
	go func() {
		e, ok := f.Pop()
		if ok {
			got <- e
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, f.Add(entry("https://example.com/late", 0)))

	select {
	case e := <-got:
		require.Equal(t, mirror.CanonicalURL("https://example.com/late"), e.URL)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Add")
	}
}

func TestCloseUnblocksPop(t *testing.T) {
	t.Parallel()

	f := New(64)
	done := make(chan bool, 1)
	go func() {
		_, ok := f.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	f.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}
}

func TestDrainReturnsLeftoversInDepthOrder(t *testing.T) {
	t.Parallel()

	f := New(64)
	require.True(t, f.Add(entry("https://example.com/b", 2)))
	require.True(t, f.Add(entry("https://example.com/a", 1)))
	f.Close()

	_, ok := f.Pop()
	require.False(t, ok)

	left := f.Drain()
	require.Len(t, left, 2)
	require.Equal(t, 1, left[0].Depth)
	require.Equal(t, 2, left[1].Depth)
	require.Equal(t, 0, f.Len())
}

func TestConcurrentAddAdmitsEachURLOnce(t *testing.T) {
	t.Parallel()

	f := New(1024)
	const urls = 50
	const writers = 8

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < urls; i++ {
				f.Add(entry(fmt.Sprintf("https://example.com/page-%d", i), 1))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, urls, f.Len())
}
