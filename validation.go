package milou

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MailLimits defines the content limits enforced at send time.
type MailLimits struct {
	// MaxSubjectLength is the maximum subject length in characters.
	MaxSubjectLength int
	// MaxBodyLength is the maximum body length in characters.
	MaxBodyLength int
	// MaxRecipients is the maximum number of recipients per mail.
	MaxRecipients int
}

// DefaultLimits returns the default mail limits.
func DefaultLimits() MailLimits {
	return MailLimits{
		MaxSubjectLength: DefaultMaxSubjectLength,
		MaxBodyLength:    DefaultMaxBodyLength,
		MaxRecipients:    DefaultMaxRecipients,
	}
}

// emailPattern requires a single @ separating non-empty local and domain
// parts, with no whitespace.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)

// ValidateEmail checks that an address has the local@domain shape.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return &ValidationError{
			Field:   "email",
			Message: fmt.Sprintf("invalid address %q", email),
		}
	}
	return nil
}

// ValidateSubjectWithLimits checks the subject against the given limits.
func ValidateSubjectWithLimits(subject string, limits MailLimits) error {
	if strings.TrimSpace(subject) == "" {
		return &ValidationError{Field: "subject", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(subject); n > limits.MaxSubjectLength {
		return &ValidationError{
			Field:   "subject",
			Message: fmt.Sprintf("length %d exceeds maximum of %d", n, limits.MaxSubjectLength),
		}
	}
	return nil
}

// ValidateBodyWithLimits checks the body against the given limits.
func ValidateBodyWithLimits(body string, limits MailLimits) error {
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "body", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(body); n > limits.MaxBodyLength {
		return &ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("length %d exceeds maximum of %d", n, limits.MaxBodyLength),
		}
	}
	return nil
}

// ValidateRecipientsWithLimits checks the recipient set: at least one
// recipient, at most the limit, well-formed distinct addresses, and not
// the sender's own address.
func ValidateRecipientsWithLimits(sender User, recipients []User, limits MailLimits) error {
	if len(recipients) == 0 {
		return &ValidationError{Field: "recipients", Message: "at least one recipient is required"}
	}
	if len(recipients) > limits.MaxRecipients {
		return &ValidationError{
			Field:   "recipients",
			Message: fmt.Sprintf("count %d exceeds maximum of %d", len(recipients), limits.MaxRecipients),
		}
	}

	// Duplicate detection compares raw addresses, so case-differing
	// addresses count as distinct.
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		if err := ValidateEmail(r.Email); err != nil {
			return err
		}
		if seen[r.Email] {
			return &ValidationError{
				Field:   "recipients",
				Message: fmt.Sprintf("duplicate address %q", r.Email),
			}
		}
		seen[r.Email] = true
	}

	for _, r := range recipients {
		if r.Equal(sender) {
			return &ValidationError{Field: "recipients", Message: "cannot send mail to yourself"}
		}
	}

	return nil
}

// validateMail runs the full send-time validation in order: subject, body,
// recipients. The first failure wins.
func validateMail(sender User, recipients []User, subject, body string, limits MailLimits) error {
	if err := ValidateSubjectWithLimits(subject, limits); err != nil {
		return err
	}
	if err := ValidateBodyWithLimits(body, limits); err != nil {
		return err
	}
	return ValidateRecipientsWithLimits(sender, recipients, limits)
}
