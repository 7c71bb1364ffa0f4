package dto

// InitializePaymentRequest is the POST /api/v1/payments/initialize body.
// Amount is in the currency's subunit (kobo for NGN).
type InitializePaymentRequest struct {
	Email  string `json:"email" binding:"required,email"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Plan   string `json:"plan" binding:"required"`
}

// InitializePaymentResponse returns the checkout handle for the client.
type InitializePaymentResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
	Reused           bool   `json:"reused"`
}
