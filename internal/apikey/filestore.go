package apikey

import (
	"path/filepath"

	"github.com/darvell/qwen-gateway/internal/storeutil"
)

const apiKeysVersion = 1

type fileFormat struct {
	Keys    map[string]*Record `json:"keys"`
	Version int                `json:"version"`
}

// File persists the whole api-key table to a single api_keys.json file
// under dataDir, atomically, grounded on storeutil's write-temp+rename
// helper (itself grounded on the teacher's atomicWriteJSON).
type File struct {
	path string
}

// NewFile returns a Store rooted at dataDir/api_keys.json.
func NewFile(dataDir string) *File {
	return &File{path: filepath.Join(dataDir, "api_keys.json")}
}

func (f *File) Load() (map[string]*Record, error) {
	var doc fileFormat
	ok, err := storeutil.ReadJSON(f.path, &doc)
	if err != nil {
		return nil, err
	}
	if !ok || doc.Keys == nil {
		return map[string]*Record{}, nil
	}
	return doc.Keys, nil
}

func (f *File) Save(records map[string]*Record) error {
	doc := fileFormat{Keys: records, Version: apiKeysVersion}
	return storeutil.WriteJSON(f.path, doc)
}

var _ Store = (*File)(nil)
