package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

const maxScanSize = 2 << 20

// AppendJSONL appends one record to a line-delimited JSON file, fsyncing
// before return. Used for the peer book, which favors append-only survival
// over compactness.
func AppendJSONL(path string, rec any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return f.Sync()
}

// NewScanner returns a line scanner sized for wire-frame-scale records.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}
