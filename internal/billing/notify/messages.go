package notify

import (
	"fmt"
	"strings"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

// LicenseIssued tells the buyer their key.
func LicenseIssued(p *model.Payment, lic *model.License) Message {
	var b strings.Builder
	greeting := "Hi"
	if p.Customer.Name != "" {
		greeting += " " + p.Customer.Name
	}
	fmt.Fprintf(&b, "%s,\n\nThanks for purchasing %s.\n\n", greeting, p.Product.Name)
	fmt.Fprintf(&b, "Your license key:\n\n    %s\n\n", lic.Key)
	fmt.Fprintf(&b, "It can be activated on up to %d devices.\n", lic.ActivationLimit)
	fmt.Fprintf(&b, "\nOrder reference: %s\n", p.ID)

	return Message{
		Kind:      KindLicenseIssued,
		PaymentID: p.ID,
		To:        p.Customer.Email,
		Subject:   fmt.Sprintf("Your %s license key", p.Product.Name),
		Text:      b.String(),
	}
}

// PaymentFailed tells the buyer their payment did not go through.
func PaymentFailed(p *model.Payment, reason string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Your payment for %s could not be completed", p.Product.Name)
	if reason != "" {
		fmt.Fprintf(&b, " (%s)", reason)
	}
	b.WriteString(".\n\nNo license was issued. You can try again from the store, or reply to this email for help.\n")
	fmt.Fprintf(&b, "\nOrder reference: %s\n", p.ID)

	return Message{
		Kind:      KindPaymentFailed,
		PaymentID: p.ID,
		To:        p.Customer.Email,
		Subject:   fmt.Sprintf("Payment for %s was not completed", p.Product.Name),
		Text:      b.String(),
	}
}

// ManualFulfillment alerts an operator that a paid order has no license.
func ManualFulfillment(to string, p *model.Payment, summary string, cause error) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", summary)
	fmt.Fprintf(&b, "Payment:  %s\n", p.ID)
	fmt.Fprintf(&b, "Provider: %s\n", p.Provider)
	if p.ProviderSessionID != nil {
		fmt.Fprintf(&b, "Session:  %s\n", *p.ProviderSessionID)
	}
	fmt.Fprintf(&b, "Customer: %s\n", p.Customer.Email)
	fmt.Fprintf(&b, "Product:  %s\n", p.Product.ID)
	if cause != nil {
		fmt.Fprintf(&b, "Error:    %v\n", cause)
	}
	b.WriteString("\nRetry with POST /api/admin/payments/" + p.ID + "/retry once the cause is fixed.\n")

	return Message{
		Kind:      KindManualFulfillment,
		PaymentID: p.ID,
		To:        to,
		Subject:   "[billing] manual fulfillment needed for payment " + p.ID,
		Text:      b.String(),
	}
}
