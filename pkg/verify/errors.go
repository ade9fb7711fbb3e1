package verify

import (
	"fmt"
	"strings"

	"btverify/pkg/bufpage"

	"github.com/pkg/errors"
)

// Error categories. Every *CheckError unwraps to one of them.
var (
	ErrIndexCorrupted       = errors.New("index corrupted")
	ErrUniqueViolation      = errors.New("unique constraint violated")
	ErrHeapMismatch         = errors.New("heap and index disagree")
	ErrFeatureNotSupported  = errors.New("feature not supported")
	ErrSerializationFailure = errors.New("serialization failure")
	ErrDataCorrupted        = errors.New("data corrupted")
)

// CheckError is the first problem a verification found.
type CheckError struct {
	Category error
	Index    string
	Msg      string
	Detail   string
	Hint     string
	// Block is InvalidBlock when the problem is not tied to a page.
	Block  uint32
	Offset bufpage.OffsetNumber
	LSN    bufpage.LSN
}

func (e *CheckError) Error() string { return e.Msg }

func (e *CheckError) Unwrap() error { return e.Category }

// Report renders the error with its detail and hint lines.
func (e *CheckError) Report() string {
	var sb strings.Builder
	sb.WriteString("ERROR:  ")
	sb.WriteString(e.Msg)
	if e.Detail != "" {
		sb.WriteString("\nDETAIL:  ")
		sb.WriteString(e.Detail)
	}
	if e.Hint != "" {
		sb.WriteString("\nHINT:  ")
		sb.WriteString(e.Hint)
	}
	return sb.String()
}

func (e *CheckError) detail(format string, args ...any) *CheckError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

func (e *CheckError) hint(s string) *CheckError {
	e.Hint = s
	return e
}

func (e *CheckError) at(block uint32, off bufpage.OffsetNumber) *CheckError {
	e.Block = block
	e.Offset = off
	return e
}

func (e *CheckError) category(err error) *CheckError {
	e.Category = err
	return e
}

// tidString formats a block and offset pair.
func tidString(block uint32, off bufpage.OffsetNumber) string {
	return fmt.Sprintf("(%d,%d)", block, off)
}
