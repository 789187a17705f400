package protocol

// MessageType 消息类型 - 对应帧中的 type 字段
type MessageType string

const (
	// 客户端 -> 服务端
	TypeAudioChunk MessageType = "audio_chunk"
	TypeTextInput  MessageType = "text_input"
	TypeEndSession MessageType = "end_session"
	TypeGetStatus  MessageType = "get_status"

	// 服务端 -> 客户端
	TypeConnected     MessageType = "connected"
	TypeTranscription MessageType = "transcription"
	TypeAIMessage     MessageType = "ai_message"
	TypeSessionEnded  MessageType = "session_ended"
	TypeError         MessageType = "error"
	TypeStatus        MessageType = "status"
)

// String 实现字符串接口
func (t MessageType) String() string {
	return string(t)
}

// IsValidType 检查消息类型是否有效
func IsValidType(t MessageType) bool {
	return IsClientType(t) || IsServerType(t)
}

// IsClientType 判断是否为客户端发出的消息类型
func IsClientType(t MessageType) bool {
	switch t {
	case TypeAudioChunk, TypeTextInput, TypeEndSession, TypeGetStatus:
		return true
	default:
		return false
	}
}

// IsServerType 判断是否为服务端推送的消息类型
func IsServerType(t MessageType) bool {
	switch t {
	case TypeConnected, TypeTranscription, TypeAIMessage,
		TypeSessionEnded, TypeError, TypeStatus:
		return true
	default:
		return false
	}
}

// IsTerminalType 判断是否为终结会话的消息类型
func IsTerminalType(t MessageType) bool {
	return t == TypeSessionEnded
}
