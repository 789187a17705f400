package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
)

// Device 麦克风设备
// Open 之后以 S16LE PCM 回调 onData，直到 Close
type Device interface {
	Open(format Format, onData func(pcm []byte)) error
	Close() error
}

// MalgoDevice 基于 miniaudio 的采集设备
type MalgoDevice struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	log    zerolog.Logger
}

// NewMalgoDevice 创建默认采集设备
func NewMalgoDevice() *MalgoDevice {
	return &MalgoDevice{log: logger.WithComponent("audio.malgo")}
}

// Open 初始化并启动采集
func (d *MalgoDevice) Open(format Format, onData func(pcm []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return ErrDeviceBusy
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return fmt.Errorf("%w: init audio context: %v", ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	// 回声消除与降噪交给系统音频栈处理
	if format.EchoCancellation || format.NoiseSuppression {
		d.log.Debug().
			Bool("echoCancellation", format.EchoCancellation).
			Bool("noiseSuppression", format.NoiseSuppression).
			Msg("Voice processing requested from platform audio stack")
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			onData(append([]byte(nil), input...))
		},
	})
	if err != nil {
		freeContext(ctx)
		return mapDeviceError(err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(ctx)
		return mapDeviceError(err)
	}

	d.ctx = ctx
	d.device = device
	d.log.Info().Int("sampleRate", format.SampleRate).Int("channels", format.Channels).Msg("Microphone opened")
	return nil
}

// Close 停止并释放设备
func (d *MalgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return nil
	}

	err := d.device.Stop()
	d.device.Uninit()
	d.device = nil
	freeContext(d.ctx)
	d.ctx = nil

	d.log.Info().Msg("Microphone released")
	return err
}

func freeContext(ctx *malgo.AllocatedContext) {
	if ctx == nil {
		return
	}
	_ = ctx.Uninit()
	ctx.Free()
}

// mapDeviceError 将 miniaudio 错误映射为包内错误
func mapDeviceError(err error) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, malgo.ErrBusy):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}
