package store

import (
	"context"
	"testing"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

func TestProductUpsert(t *testing.T) {
	s := NewProductStore(setupTestDB(t))
	ctx := context.Background()

	p := &model.Product{
		ID: "pro", Name: "Pro", Price: 4900, Currency: "usd",
		ActivationLimit: 3, Features: []string{"sync", "export"}, Active: true,
	}
	if err := s.Upsert(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetByID(ctx, "pro")
	if err != nil || got == nil {
		t.Fatalf("get = %v, %v", got, err)
	}
	if got.Currency != "USD" {
		t.Errorf("currency = %q, want USD", got.Currency)
	}
	if len(got.Features) != 2 || got.Features[1] != "export" {
		t.Errorf("features = %v", got.Features)
	}

	p.Price = 5900
	p.Active = false
	p.Features = nil
	if err := s.Upsert(ctx, p); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = s.GetByID(ctx, "pro")
	if got.Price != 5900 || got.Active || len(got.Features) != 0 {
		t.Errorf("updated product = %+v", got)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len = %d, want 1", len(list))
	}

	missing, err := s.GetByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing = %v, %v", missing, err)
	}
}

func TestAuditRecords(t *testing.T) {
	s := NewAuditStore(setupTestDB(t))
	ctx := context.Background()

	for _, outcome := range []string{"processed", "duplicate"} {
		ev := &model.WebhookEvent{
			Provider: "stripe", EventType: "checkout.session.completed", CanonicalType: "payment.completed",
			SessionID: "cs_1", SignatureValid: true, Outcome: outcome,
		}
		if err := s.RecordWebhook(ctx, ev); err != nil {
			t.Fatalf("record webhook: %v", err)
		}
		if ev.ID == 0 {
			t.Error("expected id")
		}
	}
	events, err := s.ListWebhookEvents(ctx, "stripe", "cs_1")
	if err != nil {
		t.Fatalf("list webhook events: %v", err)
	}
	if len(events) != 2 || events[0].Outcome != "processed" || !events[1].SignatureValid {
		t.Errorf("events = %+v", events)
	}

	if err := s.RecordDevice(ctx, &model.DeviceEvent{LicenseKey: "KF-A", DeviceID: "dev-a", Action: model.DeviceActionActivated}); err != nil {
		t.Fatalf("record device: %v", err)
	}
	devEvents, err := s.ListDeviceEvents(ctx, "KF-A", "dev-a")
	if err != nil {
		t.Fatalf("list device events: %v", err)
	}
	if len(devEvents) != 1 || devEvents[0].Action != model.DeviceActionActivated {
		t.Errorf("device events = %+v", devEvents)
	}
}
