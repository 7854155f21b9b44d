package globalpay

// Wire shapes for the Global Payments REST API, limited to the fields the
// router reads or writes.

type paymentRequest struct {
	AccountName   string         `json:"account_name,omitempty"`
	Type          string         `json:"type"` // SALE
	Channel       string         `json:"channel"`
	CaptureMode   string         `json:"capture_mode"` // AUTO or LATER
	Amount        string         `json:"amount"`       // minor units, stringified
	Currency      string         `json:"currency"`
	Reference     string         `json:"reference"`
	PaymentMethod *paymentMethod `json:"payment_method,omitempty"`
}

type paymentMethod struct {
	Name      string `json:"name,omitempty"`
	EntryMode string `json:"entry_mode"`
	Card      *card  `json:"card,omitempty"`
}

type card struct {
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
	CVV         string `json:"cvv,omitempty"`
}

type captureRequest struct {
	Amount string `json:"amount,omitempty"`
}

type refundRequest struct {
	Amount string `json:"amount,omitempty"`
}

type paymentResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	ErrorCode       string `json:"error_code"`
	DetailedCode    string `json:"detailed_error_code"`
	DetailedMessage string `json:"detailed_error_description"`
}

type webhookPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
