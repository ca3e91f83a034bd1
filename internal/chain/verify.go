package chain

import (
	"errors"
	"fmt"
	"os"

	"gasguard/internal/fsutil"
)

type BreakKind string

const (
	BreakSequence       BreakKind = "sequence"
	BreakLink           BreakKind = "link"
	BreakMissingFile    BreakKind = "missing_file"
	BreakFileMismatch   BreakKind = "file_mismatch"
	BreakRecordMismatch BreakKind = "record_mismatch"
)

type Break struct {
	Kind     BreakKind `json:"kind"`
	RecordID int64     `json:"record_id"`
	Detail   string    `json:"detail"`
}

func (b Break) String() string {
	return fmt.Sprintf("record %d: %s: %s", b.RecordID, b.Kind, b.Detail)
}

type Report struct {
	OK      bool   `json:"ok"`
	Records int    `json:"records"`
	Break   *Break `json:"first_break,omitempty"`
}

// Verify walks the chain from genesis and reports the first break. The
// error is only for an unreadable or unparseable chain file; an empty chain
// verifies. A header genesis_hash other than the zero digest is a link
// break at record 0.
func (l *Log) Verify() (Report, error) {
	l.mu.Lock()
	doc, err := l.load()
	l.mu.Unlock()
	if err != nil {
		return Report{}, err
	}

	rep := Report{Records: len(doc.Records)}
	if doc.GenesisHash != GenesisHash {
		rep.Break = &Break{Kind: BreakLink, Detail: fmt.Sprintf("genesis_hash %s, expected zero digest", short(doc.GenesisHash))}
		return rep, nil
	}
	prev := GenesisHash
	for i, rec := range doc.Records {
		if b := l.check(i, rec, prev); b != nil {
			rep.Break = b
			return rep, nil
		}
		prev = rec.ChainHash
	}
	rep.OK = true
	return rep, nil
}

func (l *Log) check(i int, rec Record, prev string) *Break {
	brk := func(kind BreakKind, format string, args ...any) *Break {
		return &Break{Kind: kind, RecordID: rec.RecordID, Detail: fmt.Sprintf(format, args...)}
	}

	if rec.RecordID != int64(i+1) {
		return brk(BreakSequence, "expected record_id %d", i+1)
	}
	if rec.PrevChainHash != prev {
		return brk(BreakLink, "prev_chain_hash %s, expected %s", short(rec.PrevChainHash), short(prev))
	}
	for _, role := range sortedRoles(rec.Files) {
		ref := rec.Files[role]
		sum, err := fsutil.HashFile(l.resolve(ref.Path))
		if errors.Is(err, os.ErrNotExist) {
			return brk(BreakMissingFile, "%s: %s", role, ref.Path)
		}
		if err != nil {
			return brk(BreakMissingFile, "%s: %s: %v", role, ref.Path, err)
		}
		if sum != ref.SHA256 {
			return brk(BreakFileMismatch, "%s: %s has sha256 %s, recorded %s", role, ref.Path, short(sum), short(ref.SHA256))
		}
	}
	want, err := ComputeHash(rec)
	if err != nil {
		return brk(BreakRecordMismatch, "recompute: %v", err)
	}
	if want != rec.ChainHash {
		return brk(BreakRecordMismatch, "chain_hash %s, recomputed %s", short(rec.ChainHash), short(want))
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
