// Package objsym reads symbol tables from object files so callers can
// discover hook target addresses. Address discovery is a collaborator of the
// engine, not part of it.
package objsym

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

type rawFile interface {
	Symbols() (map[string]uintptr, error)
}

var objTypes = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// Read returns the symbol table of the object file at path, mapping symbol
// names to their addresses as recorded in the file.
func Read(path string) (map[string]uintptr, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for _, try := range objTypes {
		raw, err := try(r)
		if err != nil {
			continue
		}
		return raw.Symbols()
	}
	return nil, errors.Errorf("open %s: unrecognized object file", path)
}
