package relay

// EventParam is a single parameter of an event signature
type EventParam struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed"`
}

// EventDescriptor is an event signature parsed into its parts.
// It is built once at subscription registration and reused for decoding.
type EventDescriptor struct {
	Name   string       `json:"name"`
	Params []EventParam `json:"params"`
}

// Canonical returns the canonical signature used for topic hashing,
// e.g. "Transfer(address,address,uint256)"
func (d *EventDescriptor) Canonical() string {
	s := d.Name + "("
	for i, p := range d.Params {
		if i > 0 {
			s += ","
		}
		s += p.Type
	}
	return s + ")"
}

// EventSubscription binds a contract event signature to one or more webhooks
type EventSubscription struct {
	ID              string         `json:"id"`
	ContractAddress []string       `json:"contract_address"`
	EventSignature  string         `json:"event_signature"`
	Filters         map[string]any `json:"filters"`
	Webhooks        []string       `json:"webhooks"`
}
