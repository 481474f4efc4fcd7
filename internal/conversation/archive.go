package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// archiveMessages appends the given records to the conversation's JSONL
// archive file. Cross-context history is archived rather than destroyed when
// the lifecycle decides on a fresh start.
//
// The archive is guarded with a file lock: multiple server processes may
// share a data directory.
func archiveMessages(dir string, conversationID uuid.UUID, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(dir, conversationID.String()+".jsonl")

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock archive: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write archive record: %w", err)
		}
	}
	return nil
}
