package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameShape(t *testing.T) {
	raw, err := EncodeFrame(TypeAudioChunk, AudioChunkPayload{AudioData: "AAEC", IsFinal: true, Seq: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"audio_chunk","data":{"audio_data":"AAEC","is_final":true,"seq":7}}`, string(raw))

	raw, err = EncodeFrame(TypeEndSession, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"end_session","data":{}}`, string(raw))
}

func TestEncodeFrameRejectsUnknownType(t *testing.T) {
	_, err := EncodeFrame(MessageType("bogus"), nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrEmptyFrame},
		{"whitespace", "   ", ErrEmptyFrame},
		{"not json", "{not json", ErrInvalidFrame},
		{"missing type", `{"data":{}}`, ErrInvalidFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	raw := `{"type":"error","data":{"message":"` + strings.Repeat("x", MaxFrameSize) + `"}}`
	_, err := DecodeFrame([]byte(raw))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParsePayloadServerTypes(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"transcription","data":{"text":"I go","is_final":false,"confidence":0.8}}`))
	require.NoError(t, err)

	payload, err := ParsePayload(frame)
	require.NoError(t, err)
	tr, ok := payload.(*TranscriptionPayload)
	require.True(t, ok)
	assert.Equal(t, "I go", tr.Text)
	assert.False(t, tr.IsFinal)
	assert.InDelta(t, 0.8, tr.Confidence, 1e-9)

	frame, err = DecodeFrame([]byte(`{"type":"session_ended","data":{"scores":{"overall_band":6.5},"errors":[{"category":"grammar","original_text":"I go","corrected_text":"I went"}],"duration_seconds":42,"turn_count":2}}`))
	require.NoError(t, err)
	payload, err = ParsePayload(frame)
	require.NoError(t, err)
	ended := payload.(*SessionEndedPayload)
	assert.Equal(t, 6.5, ended.Scores["overall_band"])
	require.Len(t, ended.Errors, 1)
	assert.Equal(t, "I went", ended.Errors[0].CorrectedText)
	assert.Equal(t, 42, ended.DurationSeconds)
}

func TestParsePayloadBadData(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"ai_message","data":"oops"}`))
	require.NoError(t, err)

	_, err = ParsePayload(frame)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestParsePayloadUnknownType(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"tts.audio","data":{}}`))
	require.NoError(t, err)

	_, err = ParsePayload(frame)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestTypeClassification(t *testing.T) {
	assert.True(t, IsClientType(TypeAudioChunk))
	assert.False(t, IsClientType(TypeConnected))
	assert.True(t, IsServerType(TypeSessionEnded))
	assert.True(t, IsTerminalType(TypeSessionEnded))
	assert.False(t, IsTerminalType(TypeError))
	assert.False(t, IsValidType("pong"))
}
