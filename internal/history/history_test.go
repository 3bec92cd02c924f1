package history

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

func rec(input, output string, code int) domain.CommandRecord {
	return domain.CommandRecord{
		Input:     input,
		Output:    output,
		ExitCode:  code,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBufferAppendOrder(t *testing.T) {
	b := New()
	b.Append(rec("ls", "main.py", 0))
	b.Append(rec("python main.py", "1", 0))

	want := []domain.CommandRecord{rec("ls", "main.py", 0), rec("python main.py", "1", 0)}
	if diff := cmp.Diff(want, b.Records()); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
	last, ok := b.Last()
	if !ok || last.Input != "python main.py" {
		t.Fatalf("Last() = %+v, %v", last, ok)
	}
	if got := b.Inputs(); !cmp.Equal(got, []string{"python main.py", "ls"}) {
		t.Fatalf("Inputs() = %v", got)
	}
}

func TestBufferRecordsIsCopy(t *testing.T) {
	b := New()
	b.Append(rec("ls", "", 0))
	out := b.Records()
	out[0].Input = "mutated"
	if got, _ := b.Last(); got.Input != "ls" {
		t.Fatalf("record mutated through returned slice: %q", got.Input)
	}
}

func TestBufferRecent(t *testing.T) {
	b := New()
	for _, in := range []string{"a", "b", "c"} {
		b.Append(rec(in, "", 0))
	}
	got := b.Recent(2)
	if len(got) != 2 || got[0].Input != "b" || got[1].Input != "c" {
		t.Fatalf("Recent(2) = %+v", got)
	}
	if got := b.Recent(10); len(got) != 3 {
		t.Fatalf("Recent(10) len = %d", len(got))
	}
	if got := b.Recent(0); got != nil {
		t.Fatalf("Recent(0) = %+v", got)
	}
}

func TestBufferLastError(t *testing.T) {
	b := New()
	b.Append(rec("python a.py", "Traceback (most recent call last):\nNameError", 1))
	b.Append(rec("ls", "a.py", 0))
	b.Append(rec("node x.js", "Uncaught EXCEPTION", 1))
	b.Append(rec("echo ok", "ok", 0))

	got, ok := b.LastError()
	if !ok {
		t.Fatal("expected an error record")
	}
	if got.Input != "node x.js" {
		t.Fatalf("LastError().Input = %q, want node x.js", got.Input)
	}
}

func TestBufferLastErrorNone(t *testing.T) {
	b := New()
	b.Append(rec("ls", "a.py", 0))
	if _, ok := b.LastError(); ok {
		t.Fatal("expected no error record")
	}
}

func TestBufferReplaceAndClear(t *testing.T) {
	b := New()
	b.Append(rec("old", "", 0))
	b.Replace([]domain.CommandRecord{rec("x", "", 0), rec("y", "", 0)})
	if b.Len() != 2 {
		t.Fatalf("Len() = %d after Replace", b.Len())
	}
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len() = %d after Clear", b.Len())
	}
	if _, ok := b.Last(); ok {
		t.Fatal("Last() on empty buffer should report false")
	}
}
