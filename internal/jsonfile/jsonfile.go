// Package jsonfile stores values as json files on disk.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

var ErrNotFound = errors.New("json file not found")

// Write encodes data into fname. The contents are first written to a temp
// file which is then renamed over fname, so readers never observe a partial
// file.
//
// log is used for warnings that do not fail the write. It may be nil.
func Write(fname string, data interface{}, log slog.Logger) (err error) {
	if log == nil {
		log = slog.Disabled
	}

	dir := filepath.Dir(fname)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable to create dest dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(fname)+".*")
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	tempFname := f.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			if err := f.Close(); err != nil {
				log.Warnf("Unable to close temp file %s: %v", tempFname, err)
			}
		}
		if err := os.Remove(tempFname); err != nil {
			log.Warnf("Unable to remove temp file %s: %v", tempFname, err)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("unable to encode json contents: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("unable to fsync temp file: %w", err)
	}
	closed = true
	if err := f.Close(); err != nil {
		return fmt.Errorf("unable to close temp file: %w", err)
	}
	if err := os.Rename(tempFname, fname); err != nil {
		return fmt.Errorf("unable to rename temp file: %w", err)
	}
	return nil
}

// Read decodes the json value stored in fname into data. It returns
// ErrNotFound if the file does not exist.
func Read(fname string, data interface{}) error {
	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(data); err != nil {
		return fmt.Errorf("unable to decode %s: %w", fname, err)
	}
	return nil
}
