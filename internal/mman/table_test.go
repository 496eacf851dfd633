package mman

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ehrlich-b/go-sysemu/internal/constants"
	"github.com/ehrlich-b/go-sysemu/internal/uapi"
)

func anonRecord(addr uintptr, length int64) Mapping {
	return Mapping{
		Addr:      addr,
		Length:    length,
		Allocated: true,
		FD:        constants.NoFD,
		Flags:     uapi.MAP_PRIVATE | uapi.MAP_ANONYMOUS,
		Prot:      uapi.PROT_READ | uapi.PROT_WRITE,
	}
}

func TestTableInsertLookup(t *testing.T) {
	tbl := NewTable()

	id, err := tbl.Insert(anonRecord(0x10000, 4096))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	rec, ok := tbl.Lookup(0x10000)
	if !ok {
		t.Fatal("Lookup did not find inserted record")
	}
	if rec.Length != 4096 {
		t.Errorf("Length = %d, want 4096", rec.Length)
	}

	if got, ok := tbl.Get(id); !ok || got.Addr != 0x10000 {
		t.Errorf("Get(%v) = %v, %v", id, got, ok)
	}

	if _, ok := tbl.Lookup(0x10001); ok {
		t.Error("Lookup matched an interior address")
	}

	if _, err := tbl.Insert(anonRecord(0x10000, 8192)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("duplicate Insert error = %v, want ErrInvalidArgument", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
}

func TestTableRemove(t *testing.T) {
	tests := []struct {
		name    string
		addr    uintptr
		length  int64
		wantErr bool
	}{
		{name: "exact", addr: 0x10000, length: 4096},
		{name: "unknown address", addr: 0x20000, length: 4096, wantErr: true},
		{name: "zero length", addr: 0x10000, length: 0, wantErr: true},
		{name: "short length", addr: 0x10000, length: 2048, wantErr: true},
		{name: "long length", addr: 0x10000, length: 8192, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewTable()
			if _, err := tbl.Insert(anonRecord(0x10000, 4096)); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			rec, err := tbl.Remove(tt.addr, tt.length)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Fatalf("Remove error = %v, want ErrInvalidArgument", err)
				}
				if tbl.Len() != 1 {
					t.Error("failed Remove changed the table")
				}
				return
			}
			if err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if rec.Addr != 0x10000 {
				t.Errorf("removed Addr = 0x%x", rec.Addr)
			}
			if tbl.Len() != 0 {
				t.Errorf("Len = %d after Remove", tbl.Len())
			}
		})
	}
}

func TestTableStaleID(t *testing.T) {
	tbl := NewTable()

	id, _ := tbl.Insert(anonRecord(0x10000, 4096))
	if _, err := tbl.Remove(0x10000, 4096); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// The slot is recycled with a new generation
	id2, _ := tbl.Insert(anonRecord(0x30000, 4096))
	if id2.Slot != id.Slot {
		t.Fatalf("slot not recycled: %v vs %v", id2, id)
	}
	if _, ok := tbl.Get(id); ok {
		t.Error("stale ID resolved after slot reuse")
	}
	if rec, ok := tbl.Get(id2); !ok || rec.Addr != 0x30000 {
		t.Errorf("Get(new id) = %v, %v", rec, ok)
	}
}

func TestTableSnapshotOrder(t *testing.T) {
	tbl := NewTable()
	for _, addr := range []uintptr{0x30000, 0x10000, 0x20000} {
		if _, err := tbl.Insert(anonRecord(addr, 4096)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	snap := tbl.Snapshot()
	want := []uintptr{0x20000, 0x10000, 0x30000}
	for i, rec := range snap {
		if rec.Addr != want[i] {
			t.Errorf("snapshot[%d] = 0x%x, want 0x%x", i, rec.Addr, want[i])
		}
	}

	out := FormatMappings(snap)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "00010000-00011000 rw-p") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], "[anon]") {
		t.Errorf("first line missing [anon]: %q", lines[0])
	}
}

func TestTableConcurrent(t *testing.T) {
	tbl := NewTable()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				addr := uintptr(g*0x1000000 + i*0x10000 + 0x10000)
				if _, err := tbl.Insert(anonRecord(addr, 4096)); err != nil {
					t.Errorf("Insert failed: %v", err)
					return
				}
				if _, err := tbl.Remove(addr, 4096); err != nil {
					t.Errorf("Remove failed: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if tbl.Len() != 0 {
		t.Errorf("Len = %d after concurrent churn", tbl.Len())
	}
}
