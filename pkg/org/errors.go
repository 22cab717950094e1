package org

import (
	"errors"
	"fmt"
)

// ErrParseFatal is the sentinel for unrecoverable parse failures. A fatal
// error means the whole document is rejected; nothing from it may be
// committed. Callers match with errors.Is.
var ErrParseFatal = errors.New("org: fatal parse error")

// DuplicateIDError reports two nodes declaring the same id within one
// document. It unwraps to ErrParseFatal.
type DuplicateIDError struct {
	Path string
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate node id %q in %s", e.ID, e.Path)
}

func (e *DuplicateIDError) Is(target error) bool { return target == ErrParseFatal }
func (e *DuplicateIDError) Unwrap() error        { return ErrParseFatal }
