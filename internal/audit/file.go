package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileSink appends events to a JSON Lines file, one self-contained record
// per line. Each record is written with a single write on an O_APPEND
// descriptor so a crash can at worst leave a torn final line.
type FileSink struct {
	mu          sync.Mutex
	w           io.WriteCloser
	failures    int
	maxFailures int
	onFatal     func(error)
	lastSeq     uint64
}

// OpenFileSink opens (or creates) the audit file at path.
// onFatal is invoked once maxFailures consecutive writes have failed;
// maxFailures <= 0 disables the fatal hook.
//
// An existing file is scanned first: a torn final line is truncated away
// and the highest Seq found is reported by LastSeq.
func OpenFileSink(path string, maxFailures int, onFatal func(error)) (*FileSink, error) {
	lastSeq, err := recoverFile(path)
	if err != nil {
		return nil, fmt.Errorf("OpenFileSink: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("OpenFileSink: %w", err)
	}
	s := newFileSink(f, maxFailures, onFatal)
	s.lastSeq = lastSeq
	return s, nil
}

// recoverFile returns the highest Seq in the file at path and cuts off a
// torn final line so new records start on a fresh line.
func recoverFile(path string) (uint64, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	complete := data[:bytes.LastIndexByte(data, '\n')+1]
	events, err := readEvents(bytes.NewReader(complete))
	if err != nil {
		return 0, err
	}
	if len(complete) < len(data) {
		if err := os.Truncate(path, int64(len(complete))); err != nil {
			return 0, fmt.Errorf("truncate torn record: %w", err)
		}
	}

	var last uint64
	for _, e := range events {
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last, nil
}

// LastSeq is the highest sequence number the file held when opened.
func (s *FileSink) LastSeq() uint64 { return s.lastSeq }

func newFileSink(w io.WriteCloser, maxFailures int, onFatal func(error)) *FileSink {
	return &FileSink{w: w, maxFailures: maxFailures, onFatal: onFatal}
}

func (s *FileSink) Write(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("FileSink.Write: marshal: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(line); err != nil {
		s.failures++
		if s.maxFailures > 0 && s.failures >= s.maxFailures && s.onFatal != nil {
			s.onFatal(fmt.Errorf("audit file unwritable after %d attempts: %w", s.failures, err))
		}
		return fmt.Errorf("FileSink.Write: %w", err)
	}
	s.failures = 0
	return nil
}

func (s *FileSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Close()
}

// maxLineSize bounds a single audit record when reading back.
const maxLineSize = 4 << 20

// ReadFile reads every complete record from a JSON Lines audit file.
// A torn final line (no trailing newline, invalid JSON) is skipped; a
// malformed record elsewhere is an error.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("ReadFile: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readEvents(f)
}

func readEvents(r io.Reader) ([]Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("readEvents: %w", err)
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	complete := len(data) == 0 || data[len(data)-1] == '\n'
	lineNo := 0
	total := bytes.Count(data, []byte{'\n'})
	if !complete {
		total++
	}
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			if lineNo == total && !complete {
				break
			}
			return nil, fmt.Errorf("readEvents: line %d: %w", lineNo, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("readEvents: %w", err)
	}
	return events, nil
}
