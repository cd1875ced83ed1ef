package jit

import (
	"sync"
	"sync/atomic"

	NonLockingReadMap "github.com/launix-de/NonLockingReadMap"

	"github.com/chazu/tcjit/vm"
)

// TransRec records one installed translation.
type TransRec struct {
	ID     uint64
	SrcKey vm.SrcKey
	Kind   TransKind
	Start  TCA
	Size   uint64
}

// SrcRec holds the translations of one SrcKey, most specific first.
//
// Readers load the translation list without locking. Writers are the
// holders of a compilation lease for the function; mu orders writers of
// different kinds and guards the incoming branch list.
type SrcRec struct {
	sk       vm.SrcKey
	spOffset int
	fallback TCA

	trans atomic.Pointer[[]TransRec]

	mu       sync.Mutex
	incoming []*SmashSite
}

func newSrcRec(sk vm.SrcKey, spOffset int, fallback TCA) *SrcRec {
	sr := &SrcRec{sk: sk, spOffset: spOffset, fallback: fallback}
	sr.trans.Store(&[]TransRec{})
	return sr
}

// SrcKey returns the key the record belongs to.
func (sr *SrcRec) SrcKey() vm.SrcKey { return sr.sk }

// SPOffset is the eval stack depth the translations were compiled for.
func (sr *SrcRec) SPOffset() int { return sr.spOffset }

// Fallback is the address that routes to interpretation of the key.
func (sr *SrcRec) Fallback() TCA { return sr.fallback }

// Top returns the most specific translation, or 0.
func (sr *SrcRec) Top() TCA {
	ts := *sr.trans.Load()
	if len(ts) == 0 {
		return 0
	}
	return ts[0].Start
}

// Translations returns the installed translations, most specific first.
// The returned slice must not be modified.
func (sr *SrcRec) Translations() []TransRec {
	return *sr.trans.Load()
}

// install prepends tr and re-points every incoming branch at it.
func (sr *SrcRec) install(tr TransRec) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	old := *sr.trans.Load()
	ts := make([]TransRec, 0, len(old)+1)
	ts = append(ts, tr)
	ts = append(ts, old...)
	sr.trans.Store(&ts)

	for _, site := range sr.incoming {
		site.target.Store(uint64(tr.Start))
	}
}

// addIncoming records a branch that was smashed to one of this record's
// translations and points it at the current top.
func (sr *SrcRec) addIncoming(site *SmashSite) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.incoming = append(sr.incoming, site)
	if top := sr.Top(); top != 0 {
		site.target.Store(uint64(top))
	}
}

// IncomingBranches returns the number of smashed branches tracked.
func (sr *SrcRec) IncomingBranches() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.incoming)
}

// IncomingSites returns a copy of the smashed branches tracked.
func (sr *SrcRec) IncomingSites() []*SmashSite {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return append([]*SmashSite(nil), sr.incoming...)
}

// ---------------------------------------------------------------------------
// SrcDB
// ---------------------------------------------------------------------------

type srcDBEntry struct {
	key uint64
	rec *SrcRec
}

func (e srcDBEntry) GetKey() uint64    { return e.key }
func (e srcDBEntry) ComputeSize() uint { return 48 }

// SrcDB maps SrcKeys to SrcRecs. Lookups never block; creation is
// serialized so that an existing record is never replaced.
type SrcDB struct {
	recs NonLockingReadMap.NonLockingReadMap[srcDBEntry, uint64]
	mu   sync.Mutex
}

// NewSrcDB creates an empty database.
func NewSrcDB() *SrcDB {
	return &SrcDB{recs: NonLockingReadMap.New[srcDBEntry, uint64]()}
}

// Find returns the record for sk, or nil.
func (db *SrcDB) Find(sk vm.SrcKey) *SrcRec {
	if e := db.recs.Get(sk.Pack()); e != nil {
		return e.rec
	}
	return nil
}

// FindOrCreate returns the record for sk, creating it if needed.
func (db *SrcDB) FindOrCreate(sk vm.SrcKey, spOffset int, fallback TCA) *SrcRec {
	if sr := db.Find(sk); sr != nil {
		return sr
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if sr := db.Find(sk); sr != nil {
		return sr
	}
	sr := newSrcRec(sk, spOffset, fallback)
	db.recs.Set(&srcDBEntry{key: sk.Pack(), rec: sr})
	return sr
}

// Len returns the number of records.
func (db *SrcDB) Len() int {
	return len(db.recs.GetAll())
}

// All returns every record ordered by SrcKey.
func (db *SrcDB) All() []*SrcRec {
	entries := db.recs.GetAll()
	out := make([]*SrcRec, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}
