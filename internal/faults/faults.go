// Package faults classifies failures so callers can decide whether a retry
// makes sense.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	StorageRejection
	Transport
	ProtocolViolation
	Consensus
	Fatal
	Validation
)

func (k Kind) String() string {
	switch k {
	case StorageRejection:
		return "storage_rejection"
	case Transport:
		return "transport"
	case ProtocolViolation:
		return "protocol_violation"
	case Consensus:
		return "consensus"
	case Fatal:
		return "fatal"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

type Fault struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func New(kind Kind, reason string) *Fault {
	return &Fault{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Fault {
	return &Fault{Kind: kind, Reason: reason, Err: err}
}

func Transportf(err error, format string, args ...any) *Fault {
	return Wrap(Transport, fmt.Sprintf(format, args...), err)
}

func Consensusf(err error, format string, args ...any) *Fault {
	return Wrap(Consensus, fmt.Sprintf(format, args...), err)
}

// KindOf returns the kind of the outermost Fault in err's chain.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an external caller may reasonably retry. Only
// transport faults qualify; consensus faults need dispute handling instead.
func Retryable(err error) bool {
	return KindOf(err) == Transport
}
