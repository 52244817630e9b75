// Package ioreader implements the Child I/O Reader: a line-framed reader
// over one stream (stdout or stderr) of a spawned child, pushing complete
// lines into a Log Buffer. It generalizes the teacher's bufio.Scanner-based
// readStderr in internal/agentctl/process/manager.go to both streams, with
// explicit \r\n normalization and UTF-8 replacement-character handling that
// the teacher's scanner does not need for its narrower ACP-transport use.
package ioreader

import (
	"bufio"
	"io"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kdlbs/sentinel/internal/common/logger"
	"github.com/kdlbs/sentinel/internal/sentinel/logbuf"
)

// Run reads r line by line until EOF, appending each complete line (and
// any residual partial line at EOF) to buf under the given stream tag.
// onLine, if non-nil, is invoked synchronously after each append — the
// Entry uses it to publish LogAppended events without the buffer knowing
// about the event system. Run returns when r reaches EOF or a non-EOF
// read error occurs; it never panics on malformed input.
func Run(r io.Reader, stream logbuf.Stream, buf *logbuf.Buffer, log *logger.Logger, onLine func(logbuf.Line)) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var pending []byte

	flush := func(line []byte) {
		text := sanitize(line)
		appended := buf.Append(stream, text, time.Now())
		if onLine != nil {
			onLine(appended)
		}
	}

	for {
		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
		}
		if err == nil {
			line := trimNewline(pending)
			flush(line)
			pending = nil
			continue
		}
		if err == bufio.ErrBufferFull {
			// Keep accumulating; this is not a line boundary yet.
			continue
		}
		if err == io.EOF {
			if len(pending) > 0 {
				flush(trimNewline(pending))
			}
			return
		}
		if log != nil {
			log.Warn("reader error", zap.String("stream", string(stream)), zap.Error(err))
		}
		return
	}
}

// trimNewline strips a trailing \n and, if present, the \r before it, so
// \r\n and \n are both treated as a single line terminator.
func trimNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return b
}

// sanitize replaces invalid UTF-8 byte sequences with the Unicode
// replacement character while preserving valid runs verbatim.
func sanitize(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var out []rune
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}
