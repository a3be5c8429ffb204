package domain

// UI response types written back on the UI channel.
const (
	UIResponseWrongFrame   = "wrong_frame"
	UIResponseError        = "error"
	UIResponseAccepted     = "accepted"
	UIResponseAcked        = "acked"
	UIResponseData         = "data"
	UIResponseFinished     = "finished"
	UIResponseCancelled    = "cancelled"
	UIResponseProfilerFile = "profiler_file"
)

type UIResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Host    string `json:"host,omitempty"`
	Command int    `json:"command,omitempty"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

func WrongFrameResponse() *UIResponse {
	return &UIResponse{Type: UIResponseWrongFrame, Status: -1, Message: "wrong frame"}
}

func ErrorResponse(id, host, msg string) *UIResponse {
	return &UIResponse{Type: UIResponseError, ID: id, Host: host, Status: -1, Message: msg}
}
