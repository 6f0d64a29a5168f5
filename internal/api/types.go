package api

// OCRResponse is the body of a recognition result.
type OCRResponse struct {
	ID         string         `json:"id"`
	Object     string         `json:"object"`
	CreatedAt  int64          `json:"created_at"`
	Model      string         `json:"model,omitempty"`
	Text       string         `json:"text"`
	Tokens     []int          `json:"tokens"`
	StopReason string         `json:"stop_reason"`
	Partial    bool           `json:"partial,omitempty"`
	Error      *ResponseError `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Timing     Timing         `json:"timing"`
}

// Timing breaks a recognition down by stage.
type Timing struct {
	EncoderMS int64  `json:"encoder_ms"`
	DecoderMS int64  `json:"decoder_ms"`
	Steps     int    `json:"decoder_steps"`
	Encoder   string `json:"encoder"`
	Decoder   string `json:"decoder"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}
