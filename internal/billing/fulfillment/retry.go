package fulfillment

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukerupert/keyfulfill/internal/billing/apperr"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
	"github.com/dukerupert/keyfulfill/internal/billing/notify"
	"github.com/dukerupert/keyfulfill/internal/billing/provider"
	"github.com/dukerupert/keyfulfill/internal/billing/store"
)

// PaymentDetail is a payment together with its license, if one was issued.
type PaymentDetail struct {
	Payment *model.Payment `json:"payment"`
	License *model.License `json:"license"`
}

func (s *Service) GetPayment(ctx context.Context, id string) (*PaymentDetail, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load payment", err)
	}
	if p == nil {
		return nil, apperr.New(apperr.PaymentNotFound, "payment not found")
	}
	lic, err := s.licenses.GetLicenseByPayment(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load license", err)
	}
	return &PaymentDetail{Payment: p, License: lic}, nil
}

func (s *Service) ListPayments(ctx context.Context, status model.PaymentStatus, limit int) ([]*model.Payment, error) {
	payments, err := s.payments.List(ctx, status, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list payments", err)
	}
	return payments, nil
}

func (s *Service) ListNeedingAttention(ctx context.Context, limit int) ([]*model.Payment, error) {
	payments, err := s.payments.ListNeedingAttention(ctx, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list payments", err)
	}
	return payments, nil
}

// Retryable reports whether RetryFulfillment has anything to do for p.
func Retryable(p *model.Payment) bool {
	switch p.Status {
	case model.PaymentCompleted:
		return true
	case model.PaymentFailed:
		return p.Metadata[model.MetaFailureReason] == string(apperr.LicenseGenerationError)
	case model.PaymentRefunded:
		return p.Metadata[model.MetaLicenseRevokeFailed] != ""
	}
	return false
}

// RetryFulfillment re-runs the part of the pipeline that did not finish for
// a payment:
//
//   - completed without a license: issue it
//   - failed with failure_reason license_generation_error: replay the stored
//     completion webhook, then issue
//   - refunded with a failed revocation: revoke again
//
// Attention flags are cleared once the step succeeds.
func (s *Service) RetryFulfillment(ctx context.Context, paymentID string) (*Result, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load payment", err)
	}
	if p == nil {
		return nil, apperr.New(apperr.PaymentNotFound, "payment not found")
	}
	log := s.logger.With("payment_id", p.ID, "status", p.Status)

	if !Retryable(p) {
		return nil, apperr.New(apperr.InvalidRequest, fmt.Sprintf("payment in status %s has nothing to retry", p.Status))
	}

	switch p.Status {
	case model.PaymentFailed:
		if err := s.replayCompletion(ctx, p); err != nil {
			s.metrics.Retry("failed")
			return nil, err
		}
		log.Info("failed payment completed from stored webhook")
	case model.PaymentRefunded:
		if _, err := s.licenses.RevokeLicense(ctx, p.ID, model.ReasonPaymentRefunded); err != nil {
			s.metrics.Retry("failed")
			return nil, apperr.Wrap(apperr.Internal, "revoke license", err)
		}
		s.clearFlags(ctx, p, log)
		s.metrics.Retry("succeeded")
		log.Info("license revoked on retry")
		return resultFor(p, OutcomeProcessed, "license revoked"), nil
	}

	lic, err := s.licenses.GetLicenseByPayment(ctx, p.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "look up license", err)
	}
	if lic != nil {
		s.clearFlags(ctx, p, log)
		res := resultFor(p, OutcomeDuplicate, "license already issued")
		res.LicenseKey = lic.Key
		return res, nil
	}

	lic, created, err := s.licenses.IssueLicense(ctx, p.OwnerID(), p.ID, p.Product.ID)
	if err != nil {
		s.metrics.Retry("failed")
		log.Error("license retry failed", "error", err)
		s.flag(ctx, p, map[string]string{
			model.MetaRequiresManualProcessing: "true",
			model.MetaLicenseError:             err.Error(),
		}, log)
		if apperr.Is(err, apperr.LicenseGenerationError) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.LicenseGenerationError, "issue license", err)
	}
	s.metrics.Retry("succeeded")
	s.clearFlags(ctx, p, log)
	if created {
		s.notifyCustomer(notify.LicenseIssued(p, lic))
	}
	log.Info("license issued on retry", "license_id", lic.ID)
	res := resultFor(p, OutcomeRepaired, "license issued")
	res.LicenseKey = lic.Key
	return res, nil
}

// replayCompletion moves a failed payment to completed using the webhook
// payload stored on it. The amount is checked again against the snapshot.
// The pipeline never fails a payment for license_generation_error itself;
// such rows are set by an operator or imported from older deployments.
func (s *Service) replayCompletion(ctx context.Context, p *model.Payment) error {
	if len(p.WebhookPayload) == 0 {
		return apperr.New(apperr.InvalidRequest, "payment has no stored webhook to replay")
	}
	adapter, err := s.registry.Get(p.Provider)
	if err != nil {
		return err
	}
	ev, err := adapter.NormalizeEvent(p.WebhookPayload)
	if err != nil {
		return apperr.Wrap(apperr.InvalidPayload, "replay stored webhook", err)
	}
	if ev.Type != provider.EventCompleted {
		return apperr.New(apperr.InvalidRequest, "stored webhook is not a completion")
	}
	if !strings.EqualFold(ev.Currency, p.Currency) || !adapter.Policy().AmountMatches(p.Amount, ev.Amount) {
		return apperr.New(apperr.AmountMismatch,
			fmt.Sprintf("expected %d %s, stored webhook has %d %s", p.Amount, p.Currency, ev.Amount, ev.Currency))
	}

	ok, err := s.payments.Complete(ctx, p.ID, model.PaymentFailed, store.Completion{
		ProviderPaymentID: ev.PaymentID,
		Payload:           p.WebhookPayload,
		At:                s.now(),
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "complete payment", err)
	}
	if !ok {
		return apperr.New(apperr.InvalidRequest, "payment changed while retrying")
	}
	if err := s.payments.RemoveMetadata(ctx, p.ID, model.MetaFailureReason); err != nil {
		s.logger.Warn("clear failure reason", "payment_id", p.ID, "error", err)
	}
	p.Status = model.PaymentCompleted
	delete(p.Metadata, model.MetaFailureReason)
	return nil
}

// Sweep retries every payment flagged for attention. It returns how many
// retries succeeded and how many failed.
func (s *Service) Sweep(ctx context.Context, limit int) (succeeded, failed int, err error) {
	payments, err := s.ListNeedingAttention(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range payments {
		if ctx.Err() != nil {
			return succeeded, failed, ctx.Err()
		}
		if !Retryable(p) {
			continue
		}
		if _, err := s.RetryFulfillment(ctx, p.ID); err != nil {
			failed++
			s.logger.Warn("sweep retry failed", "payment_id", p.ID, "error", err)
			continue
		}
		succeeded++
	}
	if succeeded+failed > 0 {
		s.logger.Info("fulfillment sweep finished", "succeeded", succeeded, "failed", failed)
	}
	return succeeded, failed, nil
}
