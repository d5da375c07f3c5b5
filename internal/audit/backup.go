package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BackupManifest describes one backup file so its integrity can be
// verified later.
type BackupManifest struct {
	File      string    `json:"file"`
	Events    int       `json:"events"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

const backupPageSize = 1000

// Backup writes all events to a JSONL file in dir plus a manifest with the
// event count and content hash. Idempotent for an unchanged log: the file
// is named by the timestamp of the newest event, so re-running against the
// same data overwrites the same backup.
func Backup(ctx context.Context, store Store, dir string) (*BackupManifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	var (
		lines [][]byte
		last  time.Time
	)
	for offset := 0; ; offset += backupPageSize {
		page, err := store.Query(ctx, Filter{Limit: backupPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("read events for backup: %w", err)
		}
		for _, e := range page {
			line, err := json.Marshal(e)
			if err != nil {
				return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
			}
			lines = append(lines, line)
			if e.Timestamp.After(last) {
				last = e.Timestamp
			}
		}
		if len(page) < backupPageSize {
			break
		}
	}

	h := sha256.New()
	var body []byte
	for _, line := range lines {
		body = append(body, line...)
		body = append(body, '\n')
	}
	h.Write(body)

	name := fmt.Sprintf("audit_backup_%s.jsonl", last.UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	// Atomic write: tmp file then rename, so a crash never leaves a
	// half-written backup that passes for complete.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("finalize backup: %w", err)
	}

	manifest := &BackupManifest{
		File:      name,
		Events:    len(lines),
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		CreatedAt: time.Now().UTC(),
	}
	mdata, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	mpath := path + ".manifest.json"
	if err := os.WriteFile(mpath+".tmp", mdata, 0o600); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(mpath+".tmp", mpath); err != nil {
		return nil, fmt.Errorf("finalize manifest: %w", err)
	}
	return manifest, nil
}

// VerifyBackup recomputes the hash of a backup file and checks it against
// its manifest.
func VerifyBackup(path string) error {
	mdata, err := os.ReadFile(path + ".manifest.json")
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest BackupManifest
	if err := json.Unmarshal(mdata, &manifest); err != nil {
		return fmt.Errorf("unmarshal manifest: %w", err)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	sum := sha256.Sum256(body)
	if got := hex.EncodeToString(sum[:]); got != manifest.SHA256 {
		return fmt.Errorf("backup %s integrity check failed: hash %s, manifest says %s",
			filepath.Base(path), got, manifest.SHA256)
	}
	return nil
}
