package milou

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateEmail(t *testing.T) {
	valid := []string{
		"user@example.com",
		"first.last@sub.domain.org",
		"u@d",
		"weird+tag@host",
	}
	for _, email := range valid {
		if err := ValidateEmail(email); err != nil {
			t.Errorf("expected %q to be valid, got %v", email, err)
		}
	}

	invalid := []string{
		"",
		"plain",
		"@domain",
		"local@",
		"two@@signs",
		"a@b@c",
		"has space@domain",
		"local@do main",
	}
	for _, email := range invalid {
		if err := ValidateEmail(email); err == nil {
			t.Errorf("expected %q to be invalid", email)
		}
	}
}

func TestValidateSubject(t *testing.T) {
	limits := DefaultLimits()

	t.Run("empty and whitespace-only are rejected", func(t *testing.T) {
		for _, s := range []string{"", "   ", "\t\n"} {
			err := ValidateSubjectWithLimits(s, limits)
			if !errors.Is(err, ErrInvalidMail) {
				t.Errorf("expected ErrInvalidMail for %q, got %v", s, err)
			}
		}
	})

	t.Run("length boundary", func(t *testing.T) {
		at := strings.Repeat("x", limits.MaxSubjectLength)
		if err := ValidateSubjectWithLimits(at, limits); err != nil {
			t.Errorf("expected subject at the limit to pass, got %v", err)
		}
		over := at + "x"
		if err := ValidateSubjectWithLimits(over, limits); err == nil {
			t.Error("expected subject over the limit to fail")
		}
	})

	t.Run("length counts runes not bytes", func(t *testing.T) {
		// Multibyte runes: limit characters, more bytes.
		subject := strings.Repeat("é", limits.MaxSubjectLength)
		if err := ValidateSubjectWithLimits(subject, limits); err != nil {
			t.Errorf("expected multibyte subject at the limit to pass, got %v", err)
		}
	})
}

func TestValidateBody(t *testing.T) {
	limits := DefaultLimits()

	t.Run("empty and whitespace-only are rejected", func(t *testing.T) {
		for _, b := range []string{"", "   ", "\t\n"} {
			err := ValidateBodyWithLimits(b, limits)
			if !errors.Is(err, ErrInvalidMail) {
				t.Errorf("expected ErrInvalidMail for %q, got %v", b, err)
			}
		}
	})

	t.Run("length boundary", func(t *testing.T) {
		at := strings.Repeat("x", limits.MaxBodyLength)
		if err := ValidateBodyWithLimits(at, limits); err != nil {
			t.Errorf("expected body at the limit to pass, got %v", err)
		}
		if err := ValidateBodyWithLimits(at+"x", limits); err == nil {
			t.Error("expected body over the limit to fail")
		}
	})
}

func TestValidateRecipients(t *testing.T) {
	limits := DefaultLimits()
	sender := User{ID: 1, Email: "sender@example.com"}

	t.Run("at least one recipient", func(t *testing.T) {
		err := ValidateRecipientsWithLimits(sender, nil, limits)
		if !errors.Is(err, ErrInvalidMail) {
			t.Errorf("expected ErrInvalidMail, got %v", err)
		}
	})

	t.Run("count boundary", func(t *testing.T) {
		at := make([]User, limits.MaxRecipients)
		for i := range at {
			at[i] = User{ID: int64(10 + i), Email: fakeEmail(i)}
		}
		if err := ValidateRecipientsWithLimits(sender, at, limits); err != nil {
			t.Errorf("expected recipient set at the limit to pass, got %v", err)
		}
		over := append(at, User{ID: 999, Email: "extra@example.com"})
		if err := ValidateRecipientsWithLimits(sender, over, limits); err == nil {
			t.Error("expected recipient set over the limit to fail")
		}
	})

	t.Run("malformed address", func(t *testing.T) {
		err := ValidateRecipientsWithLimits(sender, []User{{ID: 2, Email: "broken"}}, limits)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != "email" {
			t.Errorf("expected email validation error, got %v", err)
		}
	})

	t.Run("duplicates are case-sensitive", func(t *testing.T) {
		err := ValidateRecipientsWithLimits(sender, []User{
			{ID: 2, Email: "dup@example.com"},
			{ID: 3, Email: "dup@example.com"},
		}, limits)
		if err == nil {
			t.Error("expected duplicate detection to fail the set")
		}

		// Case-differing addresses are distinct.
		err = ValidateRecipientsWithLimits(sender, []User{
			{ID: 2, Email: "dup@example.com"},
			{ID: 3, Email: "DUP@Example.COM"},
		}, limits)
		if err != nil {
			t.Errorf("expected case-differing addresses to pass, got %v", err)
		}
	})

	t.Run("self-send by id", func(t *testing.T) {
		err := ValidateRecipientsWithLimits(sender, []User{
			{ID: 1, Email: "other@example.com"},
		}, limits)
		if err == nil {
			t.Error("expected self-send by id to fail")
		}
	})

	t.Run("self-send by email for unpersisted refs", func(t *testing.T) {
		unsaved := User{Email: "sender@example.com"}
		err := ValidateRecipientsWithLimits(User{Email: "sender@example.com"}, []User{unsaved}, limits)
		if err == nil {
			t.Error("expected self-send by email to fail")
		}
	})
}

func TestValidateMailOrder(t *testing.T) {
	limits := DefaultLimits()
	sender := User{ID: 1, Email: "sender@example.com"}

	// Everything is wrong; the subject error must surface first.
	err := validateMail(sender, nil, "", strings.Repeat("x", limits.MaxBodyLength+1), limits)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	if ve.Field != "subject" {
		t.Errorf("expected subject to fail first, got %q", ve.Field)
	}

	// With a good subject, the body error comes next.
	err = validateMail(sender, nil, "ok", strings.Repeat("x", limits.MaxBodyLength+1), limits)
	if !errors.As(err, &ve) || ve.Field != "body" {
		t.Errorf("expected body to fail second, got %v", err)
	}
}
