package logbuf

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndSnapshot(t *testing.T) {
	t.Run("seq is monotonically increasing", func(t *testing.T) {
		b := New(10, 0)
		a := b.Append(Stdout, "one", time.Now())
		c := b.Append(Stdout, "two", time.Now())
		assert.Equal(t, uint64(0), a.Seq)
		assert.Equal(t, uint64(1), c.Seq)
	})

	t.Run("ring evicts the oldest line once full", func(t *testing.T) {
		b := New(3, 0)
		b.Append(Stdout, "1", time.Now())
		b.Append(Stdout, "2", time.Now())
		b.Append(Stdout, "3", time.Now())
		b.Append(Stdout, "4", time.Now())

		got := b.Snapshot(0)
		require.Len(t, got, 3)
		assert.Equal(t, "2", got[0].Content)
		assert.Equal(t, "3", got[1].Content)
		assert.Equal(t, "4", got[2].Content)
	})

	t.Run("snapshot limit returns only the most recent lines", func(t *testing.T) {
		b := New(10, 0)
		for i := 0; i < 5; i++ {
			b.Append(Stdout, string(rune('a'+i)), time.Now())
		}
		got := b.Snapshot(2)
		require.Len(t, got, 2)
		assert.Equal(t, "d", got[0].Content)
		assert.Equal(t, "e", got[1].Content)
	})
}

func TestAppendTruncation(t *testing.T) {
	t.Run("lines longer than maxLine are truncated with a marker", func(t *testing.T) {
		b := New(10, 8)
		line := b.Append(Stdout, "0123456789", time.Now())
		assert.True(t, strings.HasSuffix(line.Content, "…[truncated]"))
		assert.True(t, strings.HasPrefix(line.Content, "01234567"))
	})

	t.Run("truncation never splits a multi-byte rune", func(t *testing.T) {
		// "é" is two bytes (0xC3 0xA9); cutting at byte 7 would land
		// mid-rune if not adjusted.
		b := New(10, 7)
		content := "123456" + "é" + "89"
		line := b.Append(Stdout, content, time.Now())
		assert.True(t, strings.HasPrefix(line.Content, "123456"))
		assert.Equal(t, "123456…[truncated]", line.Content)
	})
}

func TestSearchAndClear(t *testing.T) {
	b := New(10, 0)
	b.Append(Stdout, "hello world", time.Now())
	b.Append(Stderr, "goodbye world", time.Now())
	b.Append(Stdout, "hello again", time.Now())

	t.Run("search matches substrings across all retained lines", func(t *testing.T) {
		got := b.Search("hello")
		require.Len(t, got, 2)
		assert.Equal(t, "hello world", got[0].Content)
		assert.Equal(t, "hello again", got[1].Content)
	})

	t.Run("clear drops entries but does not reset seq", func(t *testing.T) {
		before := b.Append(Stdout, "before clear", time.Now())
		b.Clear()
		assert.Equal(t, 0, b.Len())

		after := b.Append(Stdout, "after clear", time.Now())
		assert.Greater(t, after.Seq, before.Seq)
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("subscribers receive lines appended after subscribing", func(t *testing.T) {
		b := New(10, 0)
		sub := b.Subscribe()
		defer b.Unsubscribe(sub)

		b.Append(Stdout, "live", time.Now())

		select {
		case line := <-sub:
			assert.Equal(t, "live", line.Content)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for subscribed line")
		}
	})

	t.Run("unsubscribe closes the channel", func(t *testing.T) {
		b := New(10, 0)
		sub := b.Subscribe()
		b.Unsubscribe(sub)

		_, ok := <-sub
		assert.False(t, ok)
	})
}
