package domain

// RequestData is the decrypted body of a UI envelope.
// ID is optional; a client retrying a request resends the same ID.
type RequestData struct {
	ID      string   `json:"id,omitempty"`
	User    string   `json:"user"`
	App     string   `json:"app"`
	Type    int      `json:"type"`
	Command string   `json:"command"`
	Hosts   []string `json:"hosts"`
	Token   string   `json:"token"`
}

func (r *RequestData) Code() CommandCode {
	return CommandCode(r.Type)
}
