// Package validation provides the field validators used when loading meshd
// configuration. Every validator returns nil on success and a *Result
// naming the offending field on failure.
package validation

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = errors.New("field is required")

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")
)

// Constraints for common field types.
const (
	// MaxNodeNameLength is the maximum length for node names.
	MaxNodeNameLength = 64

	// MaxInterfaceNameLength is the kernel's IFNAMSIZ minus the terminator.
	MaxInterfaceNameLength = 15
)

// ethAddressPattern matches a 0x-prefixed 20-byte hex address.
var ethAddressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that an integer is within the given range (inclusive).
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Positive validates that an integer is positive (> 0).
func Positive(field string, value int64) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NodeName validates a node name.
func NodeName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return MaxLength(field, value, MaxNodeNameLength)
}

// InterfaceName validates a network interface name as the kernel accepts it.
func InterfaceName(field, value string) error {
	if value == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	if len(value) > MaxInterfaceNameLength {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d bytes", MaxInterfaceNameLength), ErrTooLong)
	}
	if value == "." || value == ".." {
		return NewResult(field, "is not a valid interface name", ErrInvalidFormat)
	}
	for _, r := range value {
		if r == '/' || r == ':' || unicode.IsSpace(r) || r > unicode.MaxASCII {
			return NewResult(field, fmt.Sprintf("contains invalid character %q", r), ErrInvalidFormat)
		}
	}
	return nil
}

// Port validates a network port number.
func Port(field string, value int) error {
	if value < 1 || value > 65535 {
		return NewResult(field, "must be between 1 and 65535", ErrOutOfRange)
	}
	return nil
}

// IP validates an IPv4 or IPv6 address.
func IP(field, value string) (netip.Addr, error) {
	if err := Required(field, value); err != nil {
		return netip.Addr{}, err
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, NewResult(field, "must be an IP address", ErrInvalidFormat)
	}
	return addr, nil
}

// LinkLocalMulticast validates an IPv6 link-local multicast group (ff02::/16).
func LinkLocalMulticast(field, value string) error {
	addr, err := IP(field, value)
	if err != nil {
		return err
	}
	if !addr.Is6() || addr.Is4In6() || !addr.IsLinkLocalMulticast() {
		return NewResult(field, "must be an IPv6 link-local multicast group (ff02::/16)", ErrInvalidFormat)
	}
	return nil
}

// HostPort validates a host:port address.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	_, _, err := net.SplitHostPort(value)
	if err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}

	return nil
}

// EthAddress validates an optional 0x-prefixed payment address.
func EthAddress(field, value string) error {
	if value == "" {
		return nil
	}
	if !ethAddressPattern.MatchString(value) {
		return NewResult(field, "must be a 0x-prefixed 40 digit hex address", ErrInvalidFormat)
	}
	return nil
}

// All runs validators in order and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// First returns the first error, or nil.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}

// Err returns the collection as an error, or nil when it is empty.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e Errors) Unwrap() []error {
	return e
}
