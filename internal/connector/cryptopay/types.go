package cryptopay

// Wire shapes for the Cryptopay invoice API, limited to what the router
// reads or writes.

type invoiceEnvelope struct {
	Invoice invoiceRequest `json:"invoice"`
}

type invoiceRequest struct {
	PriceAmount   string `json:"price_amount"` // decimal string, e.g. "10.00"
	PriceCurrency string `json:"price_currency"`
	PayCurrency   string `json:"pay_currency"`
	Network       string `json:"network,omitempty"`
	CustomID      string `json:"custom_id"`
}

type invoiceResponseEnvelope struct {
	Data invoiceData `json:"data"`
}

type invoiceData struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusContext string `json:"status_context"` // qualifies unresolved: overpaid, underpaid, paid_late
	CustomID      string `json:"custom_id"`
}

type webhookPayload struct {
	Type string      `json:"type"`
	Data invoiceData `json:"data"`
}

type refundEnvelope struct {
	Refund refundData `json:"data"`
}

type refundData struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
