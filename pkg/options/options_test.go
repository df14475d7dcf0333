package options

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

func TestParseVerbosityRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []Verbosity{VerbosityError, VerbosityWarning, VerbosityInfo, VerbosityDebug} {
		got, err := ParseVerbosity(v.String())
		if err != nil {
			t.Fatalf("ParseVerbosity(%q): %v", v.String(), err)
		}

		if got != v {
			t.Fatalf("round trip mismatch: %v -> %q -> %v", v, v.String(), got)
		}
	}
}

func TestParseVerbosityInvalid(t *testing.T) {
	t.Parallel()

	if _, err := ParseVerbosity("chatty"); err == nil {
		t.Fatalf("expected error for invalid verbosity")
	}
}

func TestParseMutexProtocolRoundTrip(t *testing.T) {
	t.Parallel()

	for _, p := range []MutexProtocol{ProtocolNone, ProtocolInherit, ProtocolProtect} {
		got, err := ParseMutexProtocol(p.String())
		if err != nil {
			t.Fatalf("ParseMutexProtocol(%q): %v", p.String(), err)
		}

		if got != p {
			t.Fatalf("round trip mismatch: %v -> %q -> %v", p, p.String(), got)
		}
	}
}

func TestParseMutexProtocolEmptyMeansNone(t *testing.T) {
	t.Parallel()

	got, err := ParseMutexProtocol("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != ProtocolNone {
		t.Fatalf("expected ProtocolNone for empty string, got %v", got)
	}
}

func TestDefaultOptionsSane(t *testing.T) {
	t.Parallel()

	o := Default()

	if o.Limits.MaxTasksetSize != 20 || o.Limits.TraceSize != 10_000 {
		t.Fatalf("unexpected default limits: %+v", o.Limits)
	}

	if o.TaskfilePath != "-" || o.TracefilePath != "-" {
		t.Fatalf("expected stdin/stdout defaults, got taskfile=%q tracefile=%q", o.TaskfilePath, o.TracefilePath)
	}
}

func TestOpenTracefileStdoutSentinel(t *testing.T) {
	t.Parallel()

	o := Default()
	o.TracefilePath = "-"

	w, err := o.OpenTracefile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w == nil {
		t.Fatalf("expected non-nil writer")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("expected stdout close to be a no-op, got %v", err)
	}
}

func TestOpenTracefileCreatesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/trace.log"

	o := Default()
	o.TracefilePath = path

	w, err := o.OpenTracefile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := io.WriteString(w, "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	if !strings.Contains(string(contents), "hello") {
		t.Fatalf("expected written contents, got %q", contents)
	}
}

func TestOpenTracefileIdempotent(t *testing.T) {
	t.Parallel()

	o := Default()
	o.TracefilePath = "-"

	w1, err := o.OpenTracefile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w2, err := o.OpenTracefile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w1 != w2 {
		t.Fatalf("expected OpenTracefile to return the same handle on repeat calls")
	}
}

func TestLogMutexUsableWithoutSinksInit(t *testing.T) {
	t.Parallel()

	var o Options

	mu := o.LogMutex()
	mu.Lock()
	mu.Unlock()
}

func TestNopCloserCloseIsNoOp(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	nc := nopCloser{&buf}

	if err := nc.Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
