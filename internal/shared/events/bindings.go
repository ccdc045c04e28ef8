package events

// BindingRegistry is the closed event-type → destination mapping. It is built
// once in the composition root and shared by reference; callers only read.
// An event type missing from the registry is a configuration defect, never a
// reason to drop the outbox record.
type BindingRegistry struct {
	destinations map[string]string
}

func NewBindingRegistry(bindings map[string]string) BindingRegistry {
	destinations := make(map[string]string, len(bindings))
	for eventType, destination := range bindings {
		destinations[eventType] = destination
	}
	return BindingRegistry{destinations: destinations}
}

func (r BindingRegistry) Resolve(eventType string) (string, bool) {
	destination, ok := r.destinations[eventType]
	return destination, ok
}

func (r BindingRegistry) Len() int {
	return len(r.destinations)
}

// Wallet workflow event types. The *EventProducer names are the symbolic types
// written into outbox rows and envelope `type` attributes.
const (
	TypeWalletCreated    = "walletCreatedEventProducer"
	TypeFundsAdded       = "fundsAddedEventProducer"
	TypeFundsWithdrawn   = "fundsWithdrawnEventProducer"
	TypeFundsTransferred = "fundsTransferredEventProducer"

	TypeWalletCreatedCompensation    = "walletCreatedCompensationEventProducer"
	TypeFundsAddedCompensation       = "fundsAddedCompensationEventProducer"
	TypeFundsWithdrawnCompensation   = "fundsWithdrawnCompensationEventProducer"
	TypeFundsTransferredCompensation = "fundsTransferredCompensationEventProducer"
)

// WalletBindings returns the closed destination set for the wallet workflow.
// Compensation events travel the same outbox path as forward events, so they
// need bindings of their own.
func WalletBindings() BindingRegistry {
	return NewBindingRegistry(map[string]string{
		TypeWalletCreated:    "wallet-created",
		TypeFundsAdded:       "funds-added",
		TypeFundsWithdrawn:   "funds-withdrawn",
		TypeFundsTransferred: "funds-transferred",

		TypeWalletCreatedCompensation:    "wallet-created-compensation",
		TypeFundsAddedCompensation:       "funds-added-compensation",
		TypeFundsWithdrawnCompensation:   "funds-withdrawn-compensation",
		TypeFundsTransferredCompensation: "funds-transferred-compensation",
	})
}
