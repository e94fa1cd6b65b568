package lnbits

import "context"

// MockClient is a function-field test double for Client. Unset fields panic
// so tests fail loudly on unexpected upstream calls.
type MockClient struct {
	CreateWalletFunc       func(ctx context.Context, name string) (*Wallet, error)
	GetWalletFunc          func(ctx context.Context, apiKey string) (*Wallet, error)
	CreateInvoiceFunc      func(ctx context.Context, invoiceKey string, amountSats int64, memo string) (*Invoice, error)
	PayInvoiceFunc         func(ctx context.Context, adminKey, bolt11 string) (*Payment, error)
	PaymentStatusFunc      func(ctx context.Context, invoiceKey, paymentHash string) (*PaymentInfo, error)
	CreateCardFunc         func(ctx context.Context, adminKey, name string) (*Card, error)
	DeleteCardFunc         func(ctx context.Context, adminKey, cardID string) error
	RegisterConnectionFunc func(ctx context.Context, connectionID, walletID string, capabilities []string) error
	RevokeConnectionFunc   func(ctx context.Context, connectionID string) error
}

func (m *MockClient) CreateWallet(ctx context.Context, name string) (*Wallet, error) {
	if m.CreateWalletFunc == nil {
		panic("unexpected CreateWallet call")
	}
	return m.CreateWalletFunc(ctx, name)
}

func (m *MockClient) GetWallet(ctx context.Context, apiKey string) (*Wallet, error) {
	if m.GetWalletFunc == nil {
		panic("unexpected GetWallet call")
	}
	return m.GetWalletFunc(ctx, apiKey)
}

func (m *MockClient) CreateInvoice(ctx context.Context, invoiceKey string, amountSats int64, memo string) (*Invoice, error) {
	if m.CreateInvoiceFunc == nil {
		panic("unexpected CreateInvoice call")
	}
	return m.CreateInvoiceFunc(ctx, invoiceKey, amountSats, memo)
}

func (m *MockClient) PayInvoice(ctx context.Context, adminKey, bolt11 string) (*Payment, error) {
	if m.PayInvoiceFunc == nil {
		panic("unexpected PayInvoice call")
	}
	return m.PayInvoiceFunc(ctx, adminKey, bolt11)
}

func (m *MockClient) PaymentStatus(ctx context.Context, invoiceKey, paymentHash string) (*PaymentInfo, error) {
	if m.PaymentStatusFunc == nil {
		panic("unexpected PaymentStatus call")
	}
	return m.PaymentStatusFunc(ctx, invoiceKey, paymentHash)
}

func (m *MockClient) CreateCard(ctx context.Context, adminKey, name string) (*Card, error) {
	if m.CreateCardFunc == nil {
		panic("unexpected CreateCard call")
	}
	return m.CreateCardFunc(ctx, adminKey, name)
}

func (m *MockClient) DeleteCard(ctx context.Context, adminKey, cardID string) error {
	if m.DeleteCardFunc == nil {
		panic("unexpected DeleteCard call")
	}
	return m.DeleteCardFunc(ctx, adminKey, cardID)
}

func (m *MockClient) RegisterConnection(ctx context.Context, connectionID, walletID string, capabilities []string) error {
	if m.RegisterConnectionFunc == nil {
		panic("unexpected RegisterConnection call")
	}
	return m.RegisterConnectionFunc(ctx, connectionID, walletID, capabilities)
}

func (m *MockClient) RevokeConnection(ctx context.Context, connectionID string) error {
	if m.RevokeConnectionFunc == nil {
		panic("unexpected RevokeConnection call")
	}
	return m.RevokeConnectionFunc(ctx, connectionID)
}
