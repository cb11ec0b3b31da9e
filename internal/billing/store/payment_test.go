package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukerupert/keyfulfill/internal/billing/database"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "billing.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestPayment(sessionID string) *model.Payment {
	p := &model.Payment{
		Provider: "stripe",
		Amount:   4900,
		Currency: "USD",
		Customer: model.Customer{Email: "alice@example.com", Name: "Alice"},
		Product:  model.ProductSnapshot{ID: "pro", Name: "Pro", Price: 4900, Currency: "USD"},
	}
	if sessionID != "" {
		p.ProviderSessionID = &sessionID
	}
	return p
}

func TestPaymentCreateAndGet(t *testing.T) {
	s := NewPaymentStore(setupTestDB(t))
	ctx := context.Background()

	p := newTestPayment("cs_1")
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated id")
	}
	if p.Status != model.PaymentPending {
		t.Errorf("status = %q, want pending", p.Status)
	}

	got, err := s.GetBySessionID(ctx, "stripe", "cs_1")
	if err != nil {
		t.Fatalf("get by session: %v", err)
	}
	if got == nil || got.ID != p.ID {
		t.Fatalf("got %+v, want payment %s", got, p.ID)
	}
	if got.Product.Name != "Pro" || got.Customer.Email != "alice@example.com" {
		t.Errorf("snapshot not persisted: %+v", got)
	}
	if got.UserID != nil {
		t.Errorf("user id = %v, want nil", *got.UserID)
	}
	if len(got.Metadata) != 0 {
		t.Errorf("metadata = %v, want empty", got.Metadata)
	}
}

func TestPaymentGetNotFound(t *testing.T) {
	s := NewPaymentStore(setupTestDB(t))

	p, err := s.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p != nil {
		t.Error("expected nil payment")
	}
}

func TestPaymentDuplicateSession(t *testing.T) {
	s := NewPaymentStore(setupTestDB(t))
	ctx := context.Background()

	if err := s.Create(ctx, newTestPayment("cs_dup")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newTestPayment("cs_dup")); err != ErrDuplicateSession {
		t.Errorf("err = %v, want ErrDuplicateSession", err)
	}

	// The same session id under another provider is a different session.
	other := newTestPayment("cs_dup")
	other.Provider = "hosted"
	if err := s.Create(ctx, other); err != nil {
		t.Errorf("create under other provider: %v", err)
	}
}

func TestPaymentSetSessionID(t *testing.T) {
	s := NewPaymentStore(setupTestDB(t))
	ctx := context.Background()

	p := newTestPayment("")
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetSessionID(ctx, p.ID, "cs_late"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	got, _ := s.GetBySessionID(ctx, "stripe", "cs_late")
	if got == nil || got.ID != p.ID {
		t.Fatalf("expected payment by late session id, got %+v", got)
	}
}

func TestPaymentCompleteOnlyOnce(t *testing.T) {
	s := NewPaymentStore(setupTestDB(t))
	ctx := context.Background()

	p := newTestPayment("cs_once")
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	c := Completion{ProviderPaymentID: "pi_1", Payload: []byte(`{"id":"evt_1"}`), At: time.Now()}
	ok, err := s.Complete(ctx, p.ID, model.PaymentPending, c)
	if err != nil || !ok {
		t.Fatalf("first complete = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.Complete(ctx, p.ID, model.PaymentPending, c)
	if err != nil || ok {
		t.Fatalf("second complete = %v, %v; want false, nil", ok, err)
	}

	got, _ := s.GetByID(ctx, p.ID)
	if got.Status != model.PaymentCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.ProviderPaymentID == nil || *got.ProviderPaymentID != "pi_1" {
		t.Errorf("provider payment id = %v, want pi_1", got.ProviderPaymentID)
	}
	if got.CompletedAt == nil || got.WebhookReceivedAt == nil {
		t.Error("expected completion timestamps")
	}
	if string(got.WebhookPayload) != `{"id":"evt_1"}` {
		t.Errorf("payload = %s", got.WebhookPayload)
	}

	byPI, _ := s.GetByProviderPaymentID(ctx, "stripe", "pi_1")
	if byPI == nil || byPI.ID != p.ID {
		t.Errorf("lookup by provider payment id failed: %+v", byPI)
	}
}

func TestPaymentTransition(t *testing.T) {
	s := NewPaymentStore(setupTestDB(t))
	ctx := context.Background()

	p := newTestPayment("cs_tr")
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.Transition(ctx, p.ID, []model.PaymentStatus{model.PaymentCompleted}, model.PaymentRefunded, nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Error("pending payment should not move via completed-only transition")
	}

	ok, err = s.Transition(ctx, p.ID,
		[]model.PaymentStatus{model.PaymentPending, model.PaymentCompleted},
		model.PaymentFailed,
		map[string]string{model.MetaFailureReason: "card_declined"},
	)
	if err != nil || !ok {
		t.Fatalf("transition = %v, %v; want true, nil", ok, err)
	}

	got, _ := s.GetByID(ctx, p.ID)
	if got.Status != model.PaymentFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Metadata[model.MetaFailureReason] != "card_declined" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	if _, err := s.Transition(ctx, p.ID, nil, model.PaymentFailed, nil); err == nil {
		t.Error("expected error for empty source states")
	}
}

func TestPaymentAmountImmutable(t *testing.T) {
	db := setupTestDB(t)
	s := NewPaymentStore(db)
	ctx := context.Background()

	p := newTestPayment("cs_imm")
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`UPDATE payments SET amount = 1 WHERE id = ?`, p.ID); err == nil {
		t.Error("expected amount update to be rejected")
	}
	if _, err := db.Exec(`UPDATE payments SET currency = 'EUR' WHERE id = ?`, p.ID); err == nil {
		t.Error("expected currency update to be rejected")
	}
}

func TestPaymentMetadataMergeAndRemove(t *testing.T) {
	s := NewPaymentStore(setupTestDB(t))
	ctx := context.Background()

	p := newTestPayment("cs_meta")
	p.Metadata = map[string]string{"source": "web"}
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	kv := map[string]string{"dotted.key": "x"}
	kv[model.MetaRequiresManualProcessing] = "true"
	kv[model.MetaNotificationFailedPrefix+"license"] = "smtp down"
	if err := s.MergeMetadata(ctx, p.ID, kv); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, _ := s.GetByID(ctx, p.ID)
	if got.Metadata["source"] != "web" {
		t.Errorf("existing key lost: %v", got.Metadata)
	}
	if got.Metadata["notification_failed:license"] != "smtp down" || got.Metadata["dotted.key"] != "x" {
		t.Errorf("merged keys missing: %v", got.Metadata)
	}
	if !got.NeedsAttention() {
		t.Error("expected payment to need attention")
	}

	if err := s.RemoveMetadata(ctx, p.ID, model.MetaRequiresManualProcessing, "dotted.key"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = s.GetByID(ctx, p.ID)
	if got.NeedsAttention() {
		t.Error("flag should be cleared")
	}
	if _, ok := got.Metadata["dotted.key"]; ok {
		t.Error("dotted.key should be removed")
	}
	if got.Metadata["source"] != "web" {
		t.Errorf("unrelated key removed: %v", got.Metadata)
	}
}

func TestPaymentListNeedingAttention(t *testing.T) {
	s := NewPaymentStore(setupTestDB(t))
	ctx := context.Background()

	flagged := newTestPayment("cs_a")
	clean := newTestPayment("cs_b")
	for _, p := range []*model.Payment{flagged, clean} {
		if err := s.Create(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := s.MergeMetadata(ctx, flagged.ID, map[string]string{model.MetaRequiresManualProcessing: "true"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	list, err := s.ListNeedingAttention(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != flagged.ID {
		t.Errorf("list = %+v, want only %s", list, flagged.ID)
	}

	all, err := s.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}
	pending, _ := s.List(ctx, model.PaymentPending, 10)
	if len(pending) != 2 {
		t.Errorf("len(pending) = %d, want 2", len(pending))
	}
	completed, _ := s.List(ctx, model.PaymentCompleted, 10)
	if len(completed) != 0 {
		t.Errorf("len(completed) = %d, want 0", len(completed))
	}
}
