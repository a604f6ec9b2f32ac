package event

import (
	"encoding/json"
	"fmt"
)

// Invoice holds the invoice fields consumers commonly read. Fields not
// present in the payload stay zero.
type Invoice struct {
	InvoiceID        string  `json:"invoiceId"`
	PayeeCode        string  `json:"payeeCode"`
	LegalEntityID    string  `json:"legalEntityId"`
	InvoiceAmount    float64 `json:"invoiceAmount"`
	PPV              float64 `json:"ppv"`
	PQV              float64 `json:"pqv"`
	MatchedAmount    float64 `json:"matchedAmount"`
	AuthorizedAmount float64 `json:"authorizedAmount"`
	InvoiceDate      string  `json:"invoiceDate"`
	InvoiceDueDate   string  `json:"invoiceDueDate"`
}

// ParseInvoice decodes the invoice fields from the event payload.
func (e Event) ParseInvoice() (Invoice, error) {
	var inv Invoice
	if len(e.Payload) == 0 {
		return inv, nil
	}
	if err := json.Unmarshal(e.Payload, &inv); err != nil {
		return Invoice{}, fmt.Errorf("event %s: decode invoice: %w", e.ID, err)
	}
	return inv, nil
}

// InvoiceSummary is the dashboard projection of an invoice event.
type InvoiceSummary struct {
	EventID    string `json:"eventId"`
	EventType  string `json:"eventType"`
	ReceivedAt string `json:"receivedAt"`
	Invoice
}

// Summary encodes the dashboard projection of e.
func Summary(e Event) ([]byte, error) {
	inv, err := e.ParseInvoice()
	if err != nil {
		return nil, err
	}
	return json.Marshal(InvoiceSummary{
		EventID:    e.ID,
		EventType:  e.Type,
		ReceivedAt: e.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Invoice:    inv,
	})
}
