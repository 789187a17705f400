package protocol

import "fmt"

// AudioChunkPayload 音频分片（客户端 -> 服务端）
type AudioChunkPayload struct {
	AudioData string `json:"audio_data"` // base64编码
	IsFinal   bool   `json:"is_final"`
	Seq       uint64 `json:"seq"`
}

// TextInputPayload 文本输入（绕过音频）
type TextInputPayload struct {
	Text string `json:"text"`
}

// EndSessionPayload 请求结束会话
type EndSessionPayload struct{}

// GetStatusPayload 请求会话状态
type GetStatusPayload struct{}

// ConnectedPayload 握手确认
type ConnectedPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Topic     string `json:"topic,omitempty"`
}

// TranscriptionPayload 语音识别结果（部分或最终）
type TranscriptionPayload struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// AIMessagePayload AI回复
type AIMessagePayload struct {
	Text       string `json:"text"`
	Role       string `json:"role"`
	TurnNumber int    `json:"turn_number,omitempty"`
}

// DetectedError 检测到的语言错误记录
type DetectedError struct {
	Category      string  `json:"category"`
	Subcategory   string  `json:"subcategory,omitempty"`
	OriginalText  string  `json:"original_text"`
	CorrectedText string  `json:"corrected_text"`
	Explanation   string  `json:"explanation,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	TimestampMs   int64   `json:"timestamp_ms,omitempty"`
}

// SessionEndedPayload 会话终结结果
type SessionEndedPayload struct {
	Scores          map[string]any  `json:"scores"`
	Errors          []DetectedError `json:"errors"`
	DurationSeconds int             `json:"duration_seconds"`
	TurnCount       int             `json:"turn_count"`
	TotalErrors     int             `json:"total_errors,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// ErrorPayload 服务端错误
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// StatusPayload 会话状态（get_status 的响应）
type StatusPayload struct {
	TurnCount       int `json:"turn_count"`
	ErrorCount      int `json:"error_count"`
	DurationSeconds int `json:"duration_seconds"`
}

// ParsePayload 根据帧类型解析出对应的负载结构
func ParsePayload(f *Frame) (any, error) {
	var payload any

	switch f.Type {
	case TypeConnected:
		payload = &ConnectedPayload{}
	case TypeTranscription:
		payload = &TranscriptionPayload{}
	case TypeAIMessage:
		payload = &AIMessagePayload{}
	case TypeSessionEnded:
		payload = &SessionEndedPayload{}
	case TypeError:
		payload = &ErrorPayload{}
	case TypeStatus:
		payload = &StatusPayload{}
	case TypeAudioChunk:
		payload = &AudioChunkPayload{}
	case TypeTextInput:
		payload = &TextInputPayload{}
	case TypeEndSession:
		payload = &EndSessionPayload{}
	case TypeGetStatus:
		payload = &GetStatusPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	if err := f.DecodeData(payload); err != nil {
		return nil, err
	}

	return payload, nil
}
