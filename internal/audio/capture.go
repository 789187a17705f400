package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/metrics"
)

var (
	ErrDeviceBusy        = errors.New("microphone is held by another capture session")
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrNotRecording      = errors.New("capture is not recording")
)

// Encoding 分片编码格式
type Encoding string

const (
	EncodingWAV Encoding = "wav"
	EncodingPCM Encoding = "pcm"
)

// Format 采集格式
type Format struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// Config 采集服务配置
type Config struct {
	Format          Format
	SegmentDuration time.Duration
	Encoding        Encoding
}

// DefaultConfig 返回默认配置：16kHz 单声道，3秒分段
func DefaultConfig() Config {
	return Config{
		Format: Format{
			SampleRate:       16000,
			Channels:         1,
			EchoCancellation: true,
			NoiseSuppression: true,
		},
		SegmentDuration: 3000 * time.Millisecond,
		Encoding:        EncodingWAV,
	}
}

// Chunk 一个编码后的音频分片
type Chunk struct {
	Data     []byte // 编码后的字节
	Seq      uint64
	IsFinal  bool
	PCMBytes int
	Duration time.Duration
}

// Base64 传输用的文本形式
func (c Chunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// ChunkHandler 分片回调
type ChunkHandler func(Chunk)

// Ticker 分段定时器
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Option 采集服务选项
type Option func(*CaptureService)

// WithTicker 替换分段定时器
func WithTicker(factory func(d time.Duration) Ticker) Option {
	return func(s *CaptureService) {
		s.newTicker = factory
	}
}

// WithMetrics 指定指标集合
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *CaptureService) {
		s.metrics = m
	}
}

// 麦克风独占
var (
	micMu     sync.Mutex
	micHolder *CaptureService
)

func acquireMic(s *CaptureService) error {
	micMu.Lock()
	defer micMu.Unlock()
	if micHolder != nil && micHolder != s {
		return ErrDeviceBusy
	}
	micHolder = s
	return nil
}

func releaseMic(s *CaptureService) {
	micMu.Lock()
	defer micMu.Unlock()
	if micHolder == s {
		micHolder = nil
	}
}

// CaptureService 将麦克风输入切成固定时长的分片
type CaptureService struct {
	config    Config
	device    Device
	handler   ChunkHandler
	newTicker func(d time.Duration) Ticker

	mu        sync.Mutex
	recording bool
	stopCh    chan struct{}
	loopDone  chan struct{}

	bufMu sync.Mutex
	buf   []byte

	seq uint64

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewCaptureService 创建采集服务
func NewCaptureService(device Device, config Config, handler ChunkHandler, opts ...Option) *CaptureService {
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = DefaultConfig().SegmentDuration
	}
	if config.Encoding == "" {
		config.Encoding = EncodingWAV
	}

	s := &CaptureService{
		config:  config,
		device:  device,
		handler: handler,
		newTicker: func(d time.Duration) Ticker {
			return realTicker{t: time.NewTicker(d)}
		},
		metrics: metrics.DefaultMetrics,
		log:     logger.WithComponent("audio"),
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsRecording 是否正在录音
func (s *CaptureService) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Start 打开麦克风并开始分段
// 已在录音时直接返回 nil；权限或设备问题以错误返回
func (s *CaptureService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording {
		return nil
	}

	if err := acquireMic(s); err != nil {
		s.log.Warn().Err(err).Msg("Microphone already in use")
		return err
	}

	s.bufMu.Lock()
	s.buf = s.buf[:0]
	s.bufMu.Unlock()

	if err := s.device.Open(s.config.Format, s.onData); err != nil {
		releaseMic(s)
		s.log.Error().Err(err).Msg("Failed to open microphone")
		return err
	}

	s.recording = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})

	ticker := s.newTicker(s.config.SegmentDuration)
	go s.segmentLoop(ticker, s.stopCh, s.loopDone)

	s.log.Info().
		Dur("segment", s.config.SegmentDuration).
		Int("sampleRate", s.config.Format.SampleRate).
		Msg("Recording started")
	return nil
}

// Stop 停止定时器，把最后一段作为 final 分片发出并释放设备
func (s *CaptureService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording {
		return ErrNotRecording
	}

	close(s.stopCh)
	<-s.loopDone

	closeErr := s.device.Close()
	s.flush(true)

	s.recording = false
	releaseMic(s)

	if closeErr != nil {
		s.log.Warn().Err(closeErr).Msg("Failed to close microphone cleanly")
	}
	s.log.Info().Uint64("lastSeq", s.seq).Msg("Recording stopped")
	return nil
}

// onData 设备回调
func (s *CaptureService) onData(pcm []byte) {
	s.bufMu.Lock()
	s.buf = append(s.buf, pcm...)
	s.bufMu.Unlock()
}

func (s *CaptureService) segmentLoop(ticker Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			s.flush(false)
		}
	}
}

// flush 取出自上一个分段边界以来的音频并交给回调
func (s *CaptureService) flush(final bool) {
	s.bufMu.Lock()
	pcm := s.buf
	s.buf = nil
	s.bufMu.Unlock()

	data, err := s.encode(pcm)
	if err != nil {
		s.log.Error().Err(err).Bool("final", final).Msg("Encode segment failed, segment dropped")
		s.metrics.RecordDrop("encode_failed")
		return
	}

	s.seq++
	chunk := Chunk{
		Data:     data,
		Seq:      s.seq,
		IsFinal:  final,
		PCMBytes: len(pcm),
		Duration: time.Duration(PCMDuration(len(pcm), s.config.Format.SampleRate, s.config.Format.Channels) * float64(time.Second)),
	}

	s.metrics.RecordChunk(len(data), final)
	if s.handler != nil {
		s.handler(chunk)
	}
}

func (s *CaptureService) encode(pcm []byte) ([]byte, error) {
	switch s.config.Encoding {
	case EncodingPCM:
		return append([]byte(nil), pcm...), nil
	case EncodingWAV:
		if len(pcm)%2 != 0 {
			pcm = pcm[:len(pcm)-1]
		}
		return EncodeWAV(pcm, s.config.Format.SampleRate, s.config.Format.Channels)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", s.config.Encoding)
	}
}
