package mailsftp

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
)

type fakeTransport struct {
	files       map[string][]byte
	writeErr    error
	renameErr   error
	closed      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: map[string][]byte{}}
}

func (f *fakeTransport) WriteFile(_ context.Context, path string, content []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.files[path] = append([]byte(nil), content...)
	return nil
}

func (f *fakeTransport) Rename(_ context.Context, oldPath, newPath string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	content, ok := f.files[oldPath]
	if !ok {
		return errNotFound
	}
	delete(f.files, oldPath)
	f.files[newPath] = content
	return nil
}

func (f *fakeTransport) ReadDir(_ context.Context, dir string) ([]string, error) {
	prefix := dir + "/"
	var names []string
	for name := range f.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, strings.TrimPrefix(name, prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeTransport) ReadFile(_ context.Context, path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, errNotFound
	}
	return content, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound = notFoundError{}

func dialerFor(transport *fakeTransport) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return transport, nil
	}
}

func TestPutAtomicWritesToTmpThenRenames(t *testing.T) {
	transport := newFakeTransport()
	client := New(dialerFor(transport))

	if err := client.PutAtomic(context.Background(), "outbound", "batch-1.csv", []byte("data")); err != nil {
		t.Fatalf("PutAtomic: %v", err)
	}

	if _, ok := transport.files["outbound/batch-1.csv.tmp"]; ok {
		t.Fatalf("expected tmp file renamed away, still present")
	}
	content, ok := transport.files["outbound/batch-1.csv"]
	if !ok || string(content) != "data" {
		t.Fatalf("expected final file present with content, got %v ok=%v", content, ok)
	}
	if !transport.closed {
		t.Fatalf("expected transport closed after operation")
	}
}

func TestPutAtomicWriteFailureClassifiesTransient(t *testing.T) {
	transport := newFakeTransport()
	transport.writeErr = errNotFound
	client := New(dialerFor(transport))

	err := client.PutAtomic(context.Background(), "outbound", "batch-1.csv", []byte("data"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !adaptererr.IsTransient(err) {
		t.Fatalf("expected transient classification, got %v", adaptererr.ClassOf(err))
	}
}

func TestListAcksFiltersToAckFilenames(t *testing.T) {
	transport := newFakeTransport()
	transport.files["outbound/ACK-batch-1.csv"] = []byte("letter_id,tracking_number,status\n")
	transport.files["outbound/batch-1.csv"] = []byte("manifest")
	client := New(dialerFor(transport))

	acks, err := client.ListAcks(context.Background(), "outbound")
	if err != nil {
		t.Fatalf("ListAcks: %v", err)
	}
	if len(acks) != 1 || acks[0] != "ACK-batch-1.csv" {
		t.Fatalf("expected exactly [ACK-batch-1.csv], got %v", acks)
	}
}

func TestFetchFileReturnsContent(t *testing.T) {
	transport := newFakeTransport()
	transport.files["outbound/TRACK-20260302.csv"] = []byte("tracking_number,event_ts_iso,event_code\n")
	client := New(dialerFor(transport))

	content, err := client.FetchFile(context.Background(), "outbound", "TRACK-20260302.csv")
	if err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	if string(content) != "tracking_number,event_ts_iso,event_code\n" {
		t.Fatalf("unexpected content: %q", content)
	}
}
