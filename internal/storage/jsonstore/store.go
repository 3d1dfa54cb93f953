// Package jsonstore implements the document store as JSON files under a
// data directory. Every write is whole-file atomic: the document is written
// to a temp file in the target directory and renamed into place.
package jsonstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/mercator/internal/common"
)

const (
	algorithmsDir  = "algorithms"
	backtestsDir   = "backtests"
	historicalDir  = "historical"
	instancesFile  = "instances.json"
	resultsFile    = "backtest-results.json"
	connectionFile = "connection.json"
)

// safeKey rejects names that would escape the store directory or collide
// with temp files.
func safeKey(name string) error {
	if name == "" {
		return common.ValidationError("document key is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return common.ValidationError("invalid document key: %s", name)
	}
	if strings.HasPrefix(name, ".") {
		return common.ValidationError("invalid document key: %s", name)
	}
	return nil
}

// readDocument loads a JSON file into v. A missing file reports NotFound.
func readDocument(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return common.NotFoundError("document not found: %s", filepath.Base(path))
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeDocument marshals v and atomically replaces the file at path.
func writeDocument(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file for %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// removeDocument deletes the file at path. A missing file reports NotFound.
func removeDocument(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return common.NotFoundError("document not found: %s", filepath.Base(path))
		}
		return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
	}
	return nil
}
