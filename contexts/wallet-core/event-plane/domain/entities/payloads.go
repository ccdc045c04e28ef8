package entities

import "time"

// Domain event payloads carried as envelope data. The event plane itself only
// reads the envelope header; these structs exist for producers, compensation
// emission and tests. Correlation ids are plain strings everywhere, matching
// the wire contract for the correlationid extension.

type WalletCreated struct {
	WalletID      string    `json:"wallet_id"`
	OwnerID       string    `json:"owner_id"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

type FundsAdded struct {
	WalletID      string `json:"wallet_id"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	CorrelationID string `json:"correlation_id"`
}

type FundsWithdrawn struct {
	WalletID      string `json:"wallet_id"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	CorrelationID string `json:"correlation_id"`
}

type FundsTransferred struct {
	FromWalletID  string `json:"from_wallet_id"`
	ToWalletID    string `json:"to_wallet_id"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	CorrelationID string `json:"correlation_id"`
}

// CompensationRequested is the payload of every compensation event. Step names
// the forward event being undone.
type CompensationRequested struct {
	SagaID        string `json:"saga_id"`
	Step          string `json:"step"`
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
}
