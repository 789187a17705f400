package session

import (
	"context"
	"encoding/json"
	"time"
)

// ReplaySpeed 回放速度
type ReplaySpeed float64

const (
	SpeedSlow    ReplaySpeed = 0.5 // 慢速回放
	SpeedNormal  ReplaySpeed = 1.0 // 正常速度
	SpeedFast    ReplaySpeed = 2.0 // 快速回放
	SpeedInstant ReplaySpeed = 0.0 // 瞬间回放（无延迟）
)

// ReplayStats 回放统计
type ReplayStats struct {
	StartTime      time.Time     `json:"start_time"`
	Duration       time.Duration `json:"duration"`
	TotalFrames    int           `json:"total_frames"`
	ReplayedFrames int           `json:"replayed_frames"`
	SkippedFrames  int           `json:"skipped_frames"`
	FailedFrames   int           `json:"failed_frames"`
}

// Replay 按录制时的间隔把入站帧重新交给 dispatch
// 发送方向的帧被跳过；dispatch 返回错误只计数不中断
func Replay(ctx context.Context, rec *Recording, speed ReplaySpeed, dispatch func([]byte) error) (*ReplayStats, error) {
	stats := &ReplayStats{
		StartTime:   time.Now(),
		TotalFrames: len(rec.Frames),
	}
	defer func() { stats.Duration = time.Since(stats.StartTime) }()

	var last time.Time
	for _, frame := range rec.Frames {
		if frame.Direction != DirectionReceive {
			stats.SkippedFrames++
			continue
		}

		if speed > 0 && !last.IsZero() {
			delay := time.Duration(float64(frame.Timestamp.Sub(last)) / float64(speed))
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return stats, ctx.Err()
				case <-timer.C:
				}
			}
		}
		last = frame.Timestamp

		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := dispatch(rawFrameBytes(frame)); err != nil {
			stats.FailedFrames++
			continue
		}
		stats.ReplayedFrames++
	}

	return stats, nil
}

// rawFrameBytes 还原录制时的原始字节
func rawFrameBytes(f *RecordedFrame) []byte {
	raw := []byte(f.Raw)
	if len(raw) > 0 && raw[0] == '"' {
		// 无法解析的帧以字符串形式保存
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return raw
}
