// Package tcdump captures the state of a JIT runtime as a CBOR document for
// offline inspection: translations per source key, the unique stub table,
// live code regions, counters and the recent trace ring.
package tcdump

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/vm"
)

// Version is bumped whenever the snapshot layout changes incompatibly.
const Version = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("tcdump: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is the serialized form of a runtime.
type Snapshot struct {
	Version   int       `cbor:"1,keyasint"`
	RuntimeID string    `cbor:"2,keyasint"`
	Taken     time.Time `cbor:"3,keyasint"`

	Funcs    []Func     `cbor:"4,keyasint"`
	SrcRecs  []SrcRec   `cbor:"5,keyasint"`
	Stubs    []Stub     `cbor:"6,keyasint"`
	Regions  []Region   `cbor:"7,keyasint"`
	Stats    jit.Stats  `cbor:"8,keyasint"`
	Ring     []RingItem `cbor:"9,keyasint"`
	CodeBase uint64     `cbor:"10,keyasint"`
}

// Func names one registered function.
type Func struct {
	ID   uint32 `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	Base int32  `cbor:"3,keyasint"`
	Past int32  `cbor:"4,keyasint"`
	Body uint64 `cbor:"5,keyasint,omitempty"`
}

// SrcRec lists the translations of one source key, newest first.
type SrcRec struct {
	SrcKey       uint64        `cbor:"1,keyasint"` // vm.SrcKey.Pack
	Fallback     uint64        `cbor:"2,keyasint"`
	Incoming     int           `cbor:"3,keyasint"`
	Translations []Translation `cbor:"4,keyasint"`
}

// Translation is one installed translation.
type Translation struct {
	ID    uint64 `cbor:"1,keyasint"`
	Kind  string `cbor:"2,keyasint"`
	Start uint64 `cbor:"3,keyasint"`
	Size  uint64 `cbor:"4,keyasint"`
}

// Stub is one entry of the unique stub table.
type Stub struct {
	Name       string `cbor:"1,keyasint"`
	Convention string `cbor:"2,keyasint"`
	Context    string `cbor:"3,keyasint"`
	Start      uint64 `cbor:"4,keyasint"`
	End        uint64 `cbor:"5,keyasint"`
}

// Region is one live code cache allocation.
type Region struct {
	Name        string `cbor:"1,keyasint"`
	Kind        string `cbor:"2,keyasint"`
	Start       uint64 `cbor:"3,keyasint"`
	End         uint64 `cbor:"4,keyasint"`
	CatchTraces int    `cbor:"5,keyasint,omitempty"`
}

// RingItem is one trace ring entry.
type RingItem struct {
	Seq  uint64 `cbor:"1,keyasint"`
	Kind string `cbor:"2,keyasint"`
	A    uint64 `cbor:"3,keyasint"`
	B    uint64 `cbor:"4,keyasint"`
}

// Capture builds a snapshot of rt. The runtime keeps running; the snapshot
// is a consistent view of each structure but not of all of them together.
func Capture(rt *jit.Runtime) *Snapshot {
	s := &Snapshot{
		Version:   Version,
		RuntimeID: rt.ID().String(),
		Taken:     time.Now().UTC(),
		Stats:     rt.Stats(),
		CodeBase:  uint64(rt.CodeCache().Base()),
	}

	for _, fn := range rt.Funcs().All() {
		s.Funcs = append(s.Funcs, Func{
			ID:   uint32(fn.ID),
			Name: fn.Name,
			Base: int32(fn.Base),
			Past: int32(fn.Past),
			Body: uint64(rt.FuncBody(fn)),
		})
	}

	for _, sr := range rt.SrcDB().All() {
		rec := SrcRec{
			SrcKey:   sr.SrcKey().Pack(),
			Fallback: uint64(sr.Fallback()),
			Incoming: sr.IncomingBranches(),
		}
		for _, tr := range sr.Translations() {
			rec.Translations = append(rec.Translations, Translation{
				ID:    tr.ID,
				Kind:  tr.Kind.String(),
				Start: uint64(tr.Start),
				Size:  tr.Size,
			})
		}
		s.SrcRecs = append(s.SrcRecs, rec)
	}
	sort.Slice(s.SrcRecs, func(i, j int) bool { return s.SrcRecs[i].SrcKey < s.SrcRecs[j].SrcKey })

	for _, st := range rt.Stubs().Ranges() {
		s.Stubs = append(s.Stubs, Stub{
			Name:       st.Name,
			Convention: st.Convention.String(),
			Context:    st.Context.String(),
			Start:      uint64(st.Start),
			End:        uint64(st.End),
		})
	}

	for _, r := range rt.CodeCache().Regions() {
		if r.Kind == jit.RegionStub {
			continue
		}
		s.Regions = append(s.Regions, Region{
			Name:        r.Name,
			Kind:        r.Kind.String(),
			Start:       uint64(r.Start),
			End:         uint64(r.End),
			CatchTraces: r.NumCatchTraces(),
		})
	}

	for _, e := range rt.RingBuffer().Snapshot() {
		s.Ring = append(s.Ring, RingItem{Seq: e.Seq, Kind: e.Kind.String(), A: e.A, B: e.B})
	}
	return s
}

// Lookup returns the translations recorded for sk.
func (s *Snapshot) Lookup(sk vm.SrcKey) []Translation {
	key := sk.Pack()
	i := sort.Search(len(s.SrcRecs), func(i int) bool { return s.SrcRecs[i].SrcKey >= key })
	if i < len(s.SrcRecs) && s.SrcRecs[i].SrcKey == key {
		return s.SrcRecs[i].Translations
	}
	return nil
}

// Marshal serializes a snapshot to CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("tcdump: unmarshal snapshot: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("tcdump: unsupported snapshot version %d", s.Version)
	}
	return &s, nil
}

// Write captures rt and writes the encoded snapshot to w.
func Write(w io.Writer, rt *jit.Runtime) error {
	data, err := Marshal(Capture(rt))
	if err != nil {
		return fmt.Errorf("tcdump: marshal snapshot: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// WriteFile captures rt into the file at path.
func WriteFile(path string, rt *jit.Runtime) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tcdump: %w", err)
	}
	if err := Write(f, rt); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile loads a snapshot written by WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tcdump: %w", err)
	}
	return Unmarshal(data)
}
