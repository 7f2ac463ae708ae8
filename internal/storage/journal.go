package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"stagerun/internal/security"
	"stagerun/pkg/utils"
)

// RecordKind names the transition a journal record carries.
type RecordKind string

const (
	RecordRunCreated RecordKind = "run_created"
	RecordRunStatus  RecordKind = "run_status"
	RecordStage      RecordKind = "stage"
	RecordPost       RecordKind = "post"
)

// Record is one tamper evident journal entry. Records are chained through
// PrevHash and optionally signed.
type Record struct {
	Seq       int             `json:"seq"`
	Time      time.Time       `json:"time"`
	RunID     string          `json:"runId"`
	Kind      RecordKind      `json:"kind"`
	Stage     string          `json:"stage,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
	Signature string          `json:"signature,omitempty"`
	PubKey    string          `json:"pubKey,omitempty"`
}

// canonicalData is the hashed view of a record. Hash, Signature and PubKey
// are excluded.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Seq      int             `json:"seq"`
		Time     string          `json:"time"`
		RunID    string          `json:"runId"`
		Kind     RecordKind      `json:"kind"`
		Stage    string          `json:"stage"`
		Payload  json.RawMessage `json:"payload"`
		PrevHash string          `json:"prevHash"`
	}{
		Seq:      r.Seq,
		Time:     r.Time.UTC().Format(time.RFC3339Nano),
		RunID:    r.RunID,
		Kind:     r.Kind,
		Stage:    r.Stage,
		Payload:  r.Payload,
		PrevHash: r.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash returns the blake3 digest of the canonical data.
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", err
	}
	return utils.HashBytes(data), nil
}

// Journal is an append-only JSON lines file of run transitions.
type Journal struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	signer   *security.Signer
	next     int
	lastHash string
}

// OpenJournal opens or creates the journal at path and returns the records
// already in it for replay. The existing chain is verified first.
func OpenJournal(path string, signer *security.Signer) (*Journal, []*Record, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	records, err := ReadJournal(path)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, nil, err
	}
	if err := VerifyChain(records); err != nil {
		return nil, nil, errors.Wrapf(err, "journal %s", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open journal file")
	}
	j := &Journal{path: path, f: f, signer: signer, next: len(records)}
	if len(records) > 0 {
		j.lastHash = records[len(records)-1].Hash
	}
	return j, records, nil
}

// ReadJournal decodes every record of a journal file.
func ReadJournal(path string) ([]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []*Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode journal line %d", line)
		}
		records = append(records, &rec)
	}
	return records, scanner.Err()
}

// Append writes one record for runID. payload is JSON encoded.
func (j *Journal) Append(runID string, kind RecordKind, stage string, payload any, at time.Time) (*Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode journal payload")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	rec := &Record{
		Seq:      j.next,
		Time:     at.UTC(),
		RunID:    runID,
		Kind:     kind,
		Stage:    stage,
		Payload:  raw,
		PrevHash: j.lastHash,
	}
	if rec.Hash, err = rec.ComputeHash(); err != nil {
		return nil, errors.Wrap(err, "hash journal record")
	}
	if j.signer != nil {
		rec.Signature = j.signer.Sign([]byte(rec.Hash))
		rec.PubKey = j.signer.PublicKeyHex()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return nil, errors.Wrap(err, "write journal")
	}
	j.next++
	j.lastHash = rec.Hash
	return rec, nil
}

// Path of the journal file.
func (j *Journal) Path() string {
	return j.path
}

// Verify re-reads the journal file and checks the whole chain.
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	records, err := ReadJournal(j.path)
	if err != nil {
		return err
	}
	return VerifyChain(records)
}

// Close the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// VerifyChain recomputes each record hash and link and checks signatures
// where present.
func VerifyChain(records []*Record) error {
	for i, rec := range records {
		if rec.Seq != i {
			return fmt.Errorf("sequence mismatch: expected %d got %d", i, rec.Seq)
		}
		h, err := rec.ComputeHash()
		if err != nil {
			return errors.Wrapf(err, "compute hash for record %d", rec.Seq)
		}
		if h != rec.Hash {
			return fmt.Errorf("hash mismatch at record %d", rec.Seq)
		}
		if i > 0 && rec.PrevHash != records[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at record %d", rec.Seq)
		}
		if i == 0 && rec.PrevHash != "" {
			return fmt.Errorf("first record %d has a prev hash", rec.Seq)
		}
		if rec.Signature != "" {
			ok, err := security.VerifyHex(rec.PubKey, []byte(rec.Hash), rec.Signature)
			if err != nil {
				return errors.Wrapf(err, "signature of record %d", rec.Seq)
			}
			if !ok {
				return fmt.Errorf("bad signature at record %d", rec.Seq)
			}
		}
	}
	return nil
}
