package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoSnapshot is returned when no snapshot has been published yet.
var ErrNoSnapshot = errors.New("graph: no snapshot published")

// NotFoundError reports an unknown framework, control or threat id.
type NotFoundError struct {
	Kind string // "framework", "control", "threat"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("graph: %s not found: %s", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IntegrityError rejects a snapshot at publish time. It is fatal to the
// publish attempt only; readers keep the previous good snapshot.
type IntegrityError struct {
	Version  int64
	Problems []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("graph: snapshot %d rejected: %s", e.Version, strings.Join(e.Problems, "; "))
}

// IsIntegrityError reports whether err is an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
