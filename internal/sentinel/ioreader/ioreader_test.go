package ioreader

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/sentinel/internal/sentinel/logbuf"
)

func TestRunSplitsOnNewlines(t *testing.T) {
	r := strings.NewReader("one\ntwo\r\nthree")
	buf := logbuf.New(10, 0)

	Run(r, logbuf.Stdout, buf, nil, nil)

	lines := buf.Snapshot(0)
	require.Len(t, lines, 3)
	assert.Equal(t, "one", lines[0].Content)
	assert.Equal(t, "two", lines[1].Content, "trailing \\r before \\n is stripped")
	assert.Equal(t, "three", lines[2].Content, "a final line with no trailing newline is still flushed at EOF")
}

func TestRunInvokesOnLine(t *testing.T) {
	r := strings.NewReader("a\nb\n")
	buf := logbuf.New(10, 0)

	var seen []logbuf.Line
	Run(r, logbuf.Stdout, buf, nil, func(l logbuf.Line) {
		seen = append(seen, l)
	})

	require.Len(t, seen, 2)
	assert.Equal(t, "a", seen[0].Content)
	assert.Equal(t, "b", seen[1].Content)
}

func TestRunTagsStream(t *testing.T) {
	r := strings.NewReader("err line\n")
	buf := logbuf.New(10, 0)

	Run(r, logbuf.Stderr, buf, nil, nil)

	lines := buf.Snapshot(0)
	require.Len(t, lines, 1)
	assert.Equal(t, logbuf.Stderr, lines[0].Stream)
}

func TestRunHandlesInvalidUTF8(t *testing.T) {
	r := strings.NewReader("good\xffbad\n")
	buf := logbuf.New(10, 0)

	Run(r, logbuf.Stdout, buf, nil, nil)

	lines := buf.Snapshot(0)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].Content, "good")
	assert.Contains(t, lines[0].Content, "bad")
}

func TestRunEmptyInput(t *testing.T) {
	r := strings.NewReader("")
	buf := logbuf.New(10, 0)

	done := make(chan struct{})
	go func() {
		Run(r, logbuf.Stdout, buf, nil, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on empty EOF input")
	}
	assert.Equal(t, 0, buf.Len())
}
