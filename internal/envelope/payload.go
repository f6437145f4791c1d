package envelope

import "encoding/json"

// Payload is the document inside the encrypted body. Keeping the subject
// here rather than beside the routing fields means relays and replicas see
// nothing but addresses and a timestamp.
type Payload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func UnmarshalPayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}
