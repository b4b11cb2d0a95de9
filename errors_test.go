package milou

import (
	"errors"
	"strings"
	"testing"

	"github.com/milou-mail/milou/store"
)

func TestSentinelWrapping(t *testing.T) {
	t.Run("service sentinels match store sentinels", func(t *testing.T) {
		if !errors.Is(ErrNotFound, store.ErrNotFound) {
			t.Error("ErrNotFound should wrap store.ErrNotFound")
		}
		if !errors.Is(ErrNotConnected, store.ErrNotConnected) {
			t.Error("ErrNotConnected should wrap store.ErrNotConnected")
		}
		if !errors.Is(ErrAlreadyConnected, store.ErrAlreadyConnected) {
			t.Error("ErrAlreadyConnected should wrap store.ErrAlreadyConnected")
		}
		if !errors.Is(ErrInvalidID, store.ErrInvalidID) {
			t.Error("ErrInvalidID should wrap store.ErrInvalidID")
		}
	})
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "subject", Message: "must not be empty"}

	if !errors.Is(err, ErrInvalidMail) {
		t.Error("ValidationError should match ErrInvalidMail")
	}
	if !strings.Contains(err.Error(), "subject") {
		t.Errorf("expected field in message, got %q", err.Error())
	}

	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "subject" {
		t.Error("errors.As should recover the ValidationError")
	}
}

func TestOperationError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &OperationError{Op: "send", Err: cause}

	if !errors.Is(err, ErrOperationFailed) {
		t.Error("OperationError should match ErrOperationFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("OperationError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "send") {
		t.Errorf("expected operation name in message, got %q", err.Error())
	}
}

func TestEventPublishError(t *testing.T) {
	cause := errors.New("broker down")
	err := &EventPublishError{Event: "MailSent", MailID: 42, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("EventPublishError should unwrap to its cause")
	}

	epe, ok := IsEventPublishError(err)
	if !ok {
		t.Fatal("expected IsEventPublishError to match")
	}
	if epe.MailID != 42 || epe.Event != "MailSent" {
		t.Errorf("unexpected details: %+v", epe)
	}

	if _, ok := IsEventPublishError(errors.New("other")); ok {
		t.Error("expected no match for unrelated errors")
	}
}

func TestPluginError(t *testing.T) {
	cause := errors.New("spam detected")
	err := &PluginError{Plugin: "spamfilter", Op: "BeforeSend", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("PluginError should unwrap to its cause")
	}
	msg := err.Error()
	if !strings.Contains(msg, "spamfilter") || !strings.Contains(msg, "BeforeSend") {
		t.Errorf("expected plugin and op in message, got %q", msg)
	}
}
