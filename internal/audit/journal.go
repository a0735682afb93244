// Package audit keeps an append-only, hash-chained JSONL journal of every
// mutation pkgaudit performs.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// maxLineSize bounds one journal record; uninstall output is truncated well below it.
const maxLineSize = 1 << 20

// Entry is what callers supply; the journal stamps time and hashes.
type Entry struct {
	EventType   model.AuditEventType
	OperationID string
	Manager     string
	Package     string
	SnapshotID  model.SnapshotID
	Details     map[string]any
}

// Journal appends audit records to a JSONL file with hash chain.
type Journal struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewJournal creates a journal at path. The file is created on first append.
func NewJournal(path string) *Journal {
	return &Journal{path: path, now: time.Now}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append adds a record chained to the last one in the file.
func (j *Journal) Append(e Entry) (*model.AuditRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return nil, fmt.Errorf("flock audit log: %w", err)
	}
	defer unlockFile(file)

	prevHash, err := lastRecordHash(file)
	if err != nil {
		return nil, fmt.Errorf("get last record hash: %w", err)
	}

	record := &model.AuditRecord{
		Timestamp:   j.now().UTC(),
		EventType:   e.EventType,
		OperationID: e.OperationID,
		Manager:     e.Manager,
		Package:     e.Package,
		SnapshotID:  e.SnapshotID,
		Details:     e.Details,
		PrevHash:    prevHash,
	}
	recordHash, err := computeRecordHash(record)
	if err != nil {
		return nil, fmt.Errorf("compute record hash: %w", err)
	}
	record.RecordHash = recordHash

	line, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write audit record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("sync audit log: %w", err)
	}
	return record, nil
}

// Records returns every record in file order. A malformed line is an error.
func (j *Journal) Records() ([]model.AuditRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var records []model.AuditRecord
	err = scan(file, func(n int, line []byte) error {
		rec, err := decodeRecord(line)
		if err != nil {
			return errclass.ErrAuditChainBroken.WithMessagef("line %d: malformed record", n)
		}
		records = append(records, *rec)
		return nil
	})
	return records, err
}

// VerifyReport summarizes a chain check.
type VerifyReport struct {
	Records  int             `json:"records"`
	LastHash model.HashValue `json:"last_hash"`
}

// Verify recomputes every record hash and checks each prev_hash link.
// The first violation is returned as E_AUDIT_CHAIN_BROKEN naming its line.
func (j *Journal) Verify() (*VerifyReport, error) {
	records, err := j.Records()
	if err != nil {
		return nil, err
	}
	var prev model.HashValue
	for i := range records {
		rec := &records[i]
		if rec.PrevHash != prev {
			return nil, errclass.ErrAuditChainBroken.WithMessagef("line %d: prev_hash does not match previous record", i+1)
		}
		want, err := computeRecordHash(rec)
		if err != nil {
			return nil, fmt.Errorf("compute record hash: %w", err)
		}
		if rec.RecordHash != want {
			return nil, errclass.ErrAuditChainBroken.WithMessagef("line %d: record_hash mismatch", i+1)
		}
		prev = rec.RecordHash
	}
	return &VerifyReport{Records: len(records), LastHash: prev}, nil
}

func lastRecordHash(file *os.File) (model.HashValue, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}
	var lastHash model.HashValue
	err := scan(file, func(_ int, line []byte) error {
		rec, err := decodeRecord(line)
		if err != nil {
			return nil // skip malformed lines; Verify reports them
		}
		lastHash = rec.RecordHash
		return nil
	})
	return lastHash, err
}

func scan(r io.Reader, fn func(n int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	return nil
}

// decodeRecord keeps numbers in Details as json.Number so re-hashing sees
// the exact digits that were written.
func decodeRecord(line []byte) (*model.AuditRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var rec model.AuditRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func computeRecordHash(record *model.AuditRecord) (model.HashValue, error) {
	hashRecord := *record
	hashRecord.RecordHash = ""

	data, err := canonicalJSON(&hashRecord)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(hash[:])), nil
}

// canonicalJSON encodes v with sorted object keys and no whitespace by
// re-encoding it through generic maps, which encoding/json emits sorted.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return out, nil
}
