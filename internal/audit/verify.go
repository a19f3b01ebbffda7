package audit

import (
	"fmt"
	"os"
)

// ChainError reports the first record whose hash or link does not match.
type ChainError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
}

// Verify recomputes every entry hash in path and checks that each entry
// links to its predecessor. The first entry may link to genesis or, after a
// rotation or a resumed chain, to any earlier hash. It returns the number of
// entries checked.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	count := 0
	prev := ""
	err = scanEntries(f, func(line int, e Entry) error {
		want, err := computeHash(e)
		if err != nil {
			return &ChainError{Path: path, Line: line, Reason: err.Error()}
		}
		if e.EntryHash != want {
			return &ChainError{Path: path, Line: line, Reason: "entry hash does not match contents"}
		}
		if prev != "" && e.PrevHash != prev {
			return &ChainError{Path: path, Line: line, Reason: "prevHash does not link to the previous entry"}
		}
		prev = e.EntryHash
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, nil
}
