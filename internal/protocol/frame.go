package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// 最大帧大小限制（防止内存攻击）
	MaxFrameSize = 1024 * 1024 // 1MB
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrUnknownType   = errors.New("unknown message type")
)

// Frame 表示一个完整的协议帧
// 帧格式: {"type": "...", "data": {...}}
type Frame struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame 将消息类型和负载编码为JSON帧
func EncodeFrame(msgType MessageType, payload any) ([]byte, error) {
	if !IsValidType(msgType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	if payload == nil {
		payload = struct{}{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}

	raw, err := json.Marshal(Frame{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal frame failed: %w", err)
	}

	if len(raw) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	return raw, nil
}

// DecodeFrame 从原始数据中解码出帧
// 未知类型不视为错误，由路由层决定如何处理
func DecodeFrame(raw []byte) (*Frame, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyFrame
	}

	if len(raw) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}

	return &frame, nil
}

// DecodeData 将帧负载解析到目标结构
func (f *Frame) DecodeData(v any) error {
	if len(f.Data) == 0 || bytes.Equal(f.Data, []byte("null")) {
		return nil
	}

	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidFrame, f.Type, err)
	}

	return nil
}
