package account

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/darvell/qwen-gateway/internal/storeutil"
)

// FileStore persists each account's credentials as its own JSON file under
// a data directory, per the layout oauth_creds_<account_id>.json plus a
// default oauth_creds.json for a lone single-account deployment. Grounded
// on the teacher's saveAccount/atomicWriteJSON read-modify-write pattern in
// pool.go.
type FileStore struct {
	dir string
}

// NewFileStore returns a Store rooted at dir (created lazily on first
// write).
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

const defaultAccountID = "default"

func (s *FileStore) pathFor(accountID string) string {
	if accountID == defaultAccountID {
		return filepath.Join(s.dir, "oauth_creds.json")
	}
	return filepath.Join(s.dir, fmt.Sprintf("oauth_creds_%s.json", accountID))
}

// Load scans the data directory for oauth_creds*.json files and decodes
// each into a Credentials bundle. A single file failing to read or parse
// is skipped with a logged warning; the remaining accounts are still
// returned.
func (s *FileStore) Load() (map[string]Credentials, error) {
	out := make(map[string]Credentials)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read data dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "oauth_creds") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := defaultAccountID
		if name != "oauth_creds.json" {
			id = strings.TrimSuffix(strings.TrimPrefix(name, "oauth_creds_"), ".json")
		}
		var creds Credentials
		ok, err := storeutil.ReadJSON(filepath.Join(s.dir, name), &creds)
		if err != nil {
			log.Printf("account store: skipping %s: %v", name, err)
			continue
		}
		if !ok {
			continue
		}
		out[id] = creds
	}
	return out, nil
}

// Save atomically writes the credential bundle for accountID.
func (s *FileStore) Save(accountID string, creds Credentials) error {
	return storeutil.WriteJSON(s.pathFor(accountID), creds)
}

// Delete removes the persisted file for accountID, if present.
func (s *FileStore) Delete(accountID string) error {
	err := os.Remove(s.pathFor(accountID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete account file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
