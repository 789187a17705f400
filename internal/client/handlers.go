package client

import (
	"context"
	"time"

	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
	"SpeakMateClient/internal/router"
	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/wsclient"
)

// BindMachine 将协议消息事件接入状态机，返回取消订阅函数
// 回放录制时也用它驱动一个独立的状态机
func BindMachine(r *router.Router, m *session.StateMachine, mt *metrics.Metrics) func() {
	activate := func(router.Event) { m.Activate() }

	unsubs := []func(){
		r.On(router.FromMessageType(protocol.TypeConnected), activate),
		r.On(router.FromMessageType(protocol.TypeTranscription), func(ev router.Event) {
			p := ev.Payload.(*protocol.TranscriptionPayload)
			if m.HandleTranscription(p) && p.IsFinal {
				mt.TranscriptsFinal.Inc()
			}
		}),
		r.On(router.FromMessageType(protocol.TypeAIMessage), func(ev router.Event) {
			m.HandleAIMessage(ev.Payload.(*protocol.AIMessagePayload))
		}),
		r.On(router.FromMessageType(protocol.TypeSessionEnded), func(ev router.Event) {
			m.HandleSessionEnded(ev.Payload.(*protocol.SessionEndedPayload))
		}),
		r.On(router.FromMessageType(protocol.TypeError), func(ev router.Event) {
			m.HandleServerError(ev.Payload.(*protocol.ErrorPayload))
		}),
		r.On(router.FromMessageType(protocol.TypeStatus), func(ev router.Event) {
			m.HandleStatus(ev.Payload.(*protocol.StatusPayload))
		}),
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// registerHandlers 协议消息与本地传输事件接入状态机
func (c *Client) registerHandlers() {
	c.router.OnAny(func(ev router.Event) {
		c.log.Debug().Str("event", string(ev.Type)).Bool("transport", ev.Type.IsTransport()).Msg("Routing event")
	})

	BindMachine(c.router, c.machine, c.metrics)

	c.router.On(router.EventTransportConnected, func(router.Event) {
		c.machine.Activate()
	})
	c.router.On(router.EventTransportFailed, func(router.Event) {
		c.machine.Fail("reconnect attempts exhausted")
	})
	c.router.On(router.EventTransportClosed, func(router.Event) {
		switch c.machine.State() {
		case session.StateEnding:
			c.machine.Fail("session result not received")
		case session.StateConnecting, session.StateActive:
			// 服务端先发 error 再关闭时沿用其消息
			c.machine.Fail("")
		}
	})
}

// dispatchLoop 单一派发协程：连接事件按序转换为路由事件
func (c *Client) dispatchLoop(rt *runtime) {
	defer close(rt.loopDone)

	events := rt.conn.Events()
	for {
		select {
		case ev := <-events:
			c.handleTransportEvent(rt, ev)
		case <-rt.conn.Done():
			// 断开前已投递的帧（例如 session_ended）仍然处理
			for {
				select {
				case ev := <-events:
					c.handleTransportEvent(rt, ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) handleTransportEvent(rt *runtime, ev wsclient.Event) {
	switch ev.Kind {
	case wsclient.EventFrame:
		rt.recorder.RecordFrame(session.DirectionReceive, ev.Raw)
		c.router.Dispatch(ev.Raw)

	case wsclient.EventStateChange:
		c.machine.SetConnectionState(ev.NewState.String(), 0)
		if ev.NewState == wsclient.StateConnected {
			c.router.DispatchEvent(router.Event{Type: router.EventTransportConnected, At: ev.At})
		}

	case wsclient.EventReconnectScheduled:
		c.machine.SetConnectionState(wsclient.StateReconnecting.String(), ev.Attempt)
		rt.recorder.RecordReconnect(ev.Attempt, ev.Delay)
		c.router.DispatchEvent(router.Event{
			Type:    router.EventTransportReconnecting,
			Attempt: ev.Attempt,
			Err:     ev.Err,
			At:      ev.At,
		})

	case wsclient.EventReconnectFailed:
		if ev.Err != nil {
			rt.recorder.RecordError(ev.Err, nil)
		}
		c.router.DispatchEvent(router.Event{Type: router.EventTransportFailed, Err: ev.Err, At: ev.At})

	case wsclient.EventClosed:
		rt.recorder.RecordClose(ev.CloseCode, "")
		c.router.DispatchEvent(router.Event{Type: router.EventTransportClosed, Err: ev.Err, At: ev.At})
	}
}

// onSnapshot 状态机观察者：录制状态变化，终态时通知等待方，ended 时交给下游
func (c *Client) onSnapshot(snap session.Snapshot) {
	c.mu.Lock()
	rt := c.current
	from := c.lastState
	c.lastState = snap.State
	c.mu.Unlock()

	if from == snap.State || rt == nil {
		return
	}
	rt.recorder.RecordStateChange(from, snap.State)

	if !snap.State.IsTerminal() {
		return
	}
	rt.termOnce.Do(func() { close(rt.terminal) })

	c.metrics.SessionOutcomes.WithLabelValues(string(snap.State)).Inc()
	c.metrics.SessionDuration.Observe(time.Since(rt.started).Seconds())

	// 只有拿到结果的会话才交给下游；error -> ended 的升级也会走到这里
	if snap.State != session.StateEnded {
		return
	}
	for _, sink := range c.sinks {
		c.sinkWg.Add(1)
		go func(sink ResultSink) {
			defer c.sinkWg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.config.SinkTimeout)
			defer cancel()
			if err := sink.Store(ctx, snap); err != nil {
				rt.log.Warn().Err(err).Str("sink", sink.Name()).Msg("Storing session result failed")
			}
		}(sink)
	}
}
