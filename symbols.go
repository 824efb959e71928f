package detourgo

import (
	"github.com/k2io/detourgo/internal/objsym"
)

// Symbols reads the symbol table of the object file at path, mapping symbol
// names to addresses. It understands ELF, Mach-O and PE files and exists so
// callers can discover hook targets; the engine itself never resolves names.
func Symbols(path string) (map[string]uintptr, error) {
	return objsym.Read(path)
}
