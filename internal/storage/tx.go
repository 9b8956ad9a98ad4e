package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/oklog/ulid/v2"
)

// OpType is the kind of mutation a TxOp performs.
type OpType string

const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
)

// TxOp is one operation inside a Transaction call.
type TxOp struct {
	Type    OpType
	Path    []string
	Content any
}

// Put builds a put TxOp.
func Put(path []string, content any) TxOp { return TxOp{Type: OpPut, Path: path, Content: content} }

// Delete builds a delete TxOp.
func Delete(path []string) TxOp { return TxOp{Type: OpDelete, Path: path} }

// txPhase is the WAL record's lifecycle stage.
type txPhase string

const (
	phasePrepared txPhase = "prepared"
	phaseCommitted txPhase = "committed"
	phaseApplied  txPhase = "applied"
)

// txRecordOp is the on-disk shape of one operation within a tx record.
type txRecordOp struct {
	Type    OpType `json:"type"`
	Key     string `json:"key"`
	Staging string `json:"staging,omitempty"`
}

// txRecord is the on-disk WAL entry for one transaction.
type txRecord struct {
	ID    string       `json:"id"`
	Phase txPhase      `json:"phase"`
	Ops   []txRecordOp `json:"ops"`
}

// wal manages the transaction write-ahead log and staging area under
// <basePath>/_tx and <basePath>/_tx_stage.
type wal struct {
	logDir   string
	stageDir string
}

func newWAL(basePath string) *wal {
	return &wal{
		logDir:   filepath.Join(basePath, "_tx"),
		stageDir: filepath.Join(basePath, "_tx_stage"),
	}
}

func (w *wal) recordPath(id string) string {
	return filepath.Join(w.logDir, id+".json")
}

func (w *wal) stagingDir(id string) string {
	return filepath.Join(w.stageDir, id)
}

func (w *wal) writeRecord(rec txRecord) error {
	if err := os.MkdirAll(w.logDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(w.recordPath(rec.ID), data, true)
}

func (w *wal) removeRecord(id string) {
	os.Remove(w.recordPath(id))
	os.RemoveAll(w.stagingDir(id))
}

// Recover scans the WAL at startup: committed-but-not-applied transactions
// are re-applied (idempotently — staging files may already have been
// renamed into place); prepared-but-never-committed transactions are
// discarded along with their staging directories.
func (w *wal) Recover() {
	entries, err := os.ReadDir(w.logDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.logDir, entry.Name()))
		if err != nil {
			continue
		}
		var rec txRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}

		switch rec.Phase {
		case phaseCommitted:
			applyRecord(rec, w.stagingDir(rec.ID))
		case phaseApplied, phasePrepared:
			// applied: cleanup only needed. prepared without commit: crash
			// happened before commit, so nothing was ever made durable.
		}
		w.removeRecord(rec.ID)
	}
}

// applyRecord renders every staged put and every delete to its final
// location. Safe to call twice: a rename of an already-moved staging file
// is simply a no-op (source absent), and deleting an absent file is a
// no-op too.
func applyRecord(rec txRecord, stageDir string) {
	for _, op := range rec.Ops {
		finalPath := keyToPath(op.Key)
		switch op.Type {
		case OpPut:
			stagePath := filepath.Join(stageDir, op.Staging)
			if _, err := os.Stat(stagePath); err == nil {
				os.MkdirAll(filepath.Dir(finalPath), 0755)
				os.Rename(stagePath, finalPath)
			}
		case OpDelete:
			os.Remove(finalPath)
		}
	}
}

func keyToPath(key string) string {
	return key
}

// Transaction applies every op atomically: either all ops land, or (after a
// crash) Recover re-applies every op on the next startup. Key locks are
// acquired in sorted order across all touched keys to avoid deadlocking
// against other concurrent Transaction/Update calls.
func (s *Storage) Transaction(ctx context.Context, ops []TxOp) error {
	if len(ops) == 0 {
		return nil
	}

	keys := make([]string, len(ops))
	paths := make([][]string, len(ops))
	filePaths := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = joinKey(op.Path)
		paths[i] = op.Path
		filePaths[i] = s.pathToFile(op.Path)
	}

	order := make([]int, len(ops))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return keys[order[a]] < keys[order[b]] })

	locked := make(map[string]*keyLock)
	for _, i := range order {
		k := keys[i]
		if _, ok := locked[k]; ok {
			continue
		}
		lk := s.keys.get(k)
		lk.Lock()
		locked[k] = lk
	}
	defer func() {
		for _, lk := range locked {
			lk.Unlock()
		}
	}()

	txID := ulid.Make().String()
	stageDir := s.wal.stagingDir(txID)

	recOps := make([]txRecordOp, len(ops))
	for i, op := range ops {
		recOps[i] = txRecordOp{Type: op.Type, Key: filePaths[i]}
	}

	// Stage put contents before announcing prepared, so a crash between
	// staging and the prepared record leaves nothing referencing them.
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("transaction: failed to create staging dir: %w", err)
	}
	for i, op := range ops {
		if op.Type != OpPut {
			continue
		}
		data, err := json.MarshalIndent(op.Content, "", "  ")
		if err != nil {
			os.RemoveAll(stageDir)
			return fmt.Errorf("transaction: failed to marshal op %d: %w", i, err)
		}
		stagingName := fmt.Sprintf("%d.json", i)
		if err := os.WriteFile(filepath.Join(stageDir, stagingName), data, 0644); err != nil {
			os.RemoveAll(stageDir)
			return fmt.Errorf("transaction: failed to stage op %d: %w", i, err)
		}
		recOps[i].Staging = stagingName
	}

	rec := txRecord{ID: txID, Phase: phasePrepared, Ops: recOps}
	if err := s.wal.writeRecord(rec); err != nil {
		os.RemoveAll(stageDir)
		return fmt.Errorf("transaction: failed to write prepared record: %w", err)
	}

	rec.Phase = phaseCommitted
	if err := s.wal.writeRecord(rec); err != nil {
		return fmt.Errorf("transaction: failed to write committed record: %w", err)
	}

	applyRecord(rec, stageDir)

	rec.Phase = phaseApplied
	s.wal.writeRecord(rec)
	s.wal.removeRecord(txID)

	return nil
}
