package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

func TestAuditWebhookEvents(t *testing.T) {
	s := NewAuditStore(setupTestDB(t))
	ctx := context.Background()

	received := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	events := []*model.WebhookEvent{
		{Provider: "stripe", EventType: "checkout.session.completed", CanonicalType: "payment.completed",
			SessionID: "cs_1", PaymentID: "p1", SignatureValid: true, Outcome: "processed", ReceivedAt: received},
		{Provider: "stripe", EventType: "checkout.session.completed", CanonicalType: "payment.completed",
			SessionID: "cs_1", PaymentID: "p1", SignatureValid: true, Outcome: "duplicate", ReceivedAt: received.Add(time.Minute)},
		{Provider: "stripe", SessionID: "cs_1", Outcome: "error", ErrorCode: "invalid_signature"},
		{Provider: "stripe", SessionID: "cs_2", Outcome: "processed"},
	}
	for _, ev := range events {
		if err := s.RecordWebhook(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
		if ev.ID == 0 {
			t.Error("expected id to be set")
		}
	}
	if events[2].ReceivedAt.IsZero() {
		t.Error("expected received_at to default to now")
	}

	got, err := s.ListWebhookEvents(ctx, "stripe", "cs_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Outcome != "processed" || got[1].Outcome != "duplicate" {
		t.Errorf("outcomes = %q, %q", got[0].Outcome, got[1].Outcome)
	}
	if !got[0].SignatureValid || got[2].SignatureValid {
		t.Error("signature_valid not round-tripped")
	}
	if got[2].ErrorCode != "invalid_signature" {
		t.Errorf("error_code = %q", got[2].ErrorCode)
	}
	if !got[0].ReceivedAt.Equal(received) {
		t.Errorf("received_at = %v, want %v", got[0].ReceivedAt, received)
	}
}

func TestAuditDeviceEvents(t *testing.T) {
	s := NewAuditStore(setupTestDB(t))
	ctx := context.Background()

	for _, action := range []string{model.DeviceActionActivated, model.DeviceActionValidated, model.DeviceActionDeactivated} {
		if err := s.RecordDevice(ctx, &model.DeviceEvent{LicenseKey: "KF-K", DeviceID: "dev_A", Action: action}); err != nil {
			t.Fatalf("record %s: %v", action, err)
		}
	}
	if err := s.RecordDevice(ctx, &model.DeviceEvent{LicenseKey: "KF-K", DeviceID: "dev_B",
		Action: model.DeviceActionRejected, Detail: "activation_limit_reached"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := s.ListDeviceEvents(ctx, "KF-K", "dev_A")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Action != model.DeviceActionActivated || got[2].Action != model.DeviceActionDeactivated {
		t.Errorf("actions out of order: %q .. %q", got[0].Action, got[2].Action)
	}

	got, err = s.ListDeviceEvents(ctx, "KF-K", "dev_B")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Detail != "activation_limit_reached" {
		t.Errorf("dev_B events = %+v", got)
	}
}
