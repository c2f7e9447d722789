// Package atomicfile writes files atomically by writing a sibling temp file
// and renaming it over the target.
package atomicfile

import (
	"os"

	"github.com/pkg/errors"
)

// Write replaces the file at path with data. The data is written to a
// sibling .tmp file first so readers never observe a partial file.
func Write(path string, data []byte) error {
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write temp file")
	}

	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename temp file")
	}

	return nil
}
