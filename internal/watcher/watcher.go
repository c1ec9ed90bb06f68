// Package watcher 实现单个地址的后台取信循环。
//
// 每个有活跃订阅的地址恰好对应一个 Watcher；发现新邮件时交给
// 投递回调扇出。停止是协作式的：停止标志在每轮循环顶部检查，
// 进行中的轮询调用会先完成。
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
)

// State 表示 Watcher 的生命周期状态。
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Poller 是 Watcher 需要的会话能力子集。
type Poller interface {
	Address() string
	FetchUnseenOnce(ctx context.Context) (*domain.MessageDetail, error)
}

// DeliverFunc 把新邮件交给订阅该地址的所有连接。
type DeliverFunc func(address string, msg *domain.MessageDetail)

// Watcher 绑定一个邮箱会话的后台轮询任务。
type Watcher struct {
	sess         Poller
	deliver      DeliverFunc
	interval     time.Duration // 正常轮询间隔
	errorBackoff time.Duration // 出错后的退避间隔

	log      *zap.Logger
	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New 创建 Watcher（未启动）。
func New(sess Poller, deliver DeliverFunc, interval, errorBackoff time.Duration, log *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if errorBackoff <= 0 {
		errorBackoff = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		sess:         sess,
		deliver:      deliver,
		interval:     interval,
		errorBackoff: errorBackoff,
		log:          log,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start 启动后台轮询循环。重复调用无效果。
// Watcher 是一次性对象：停止后不可重启，需要新的监听时另建实例。
func (w *Watcher) Start() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	if !w.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return
	}
	go w.run()
}

// Stop 发出停止信号。协作式：进行中的轮询完成后循环才退出，
// 通过 Done 等待真正结束。重复调用安全。
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		close(w.stopCh)
	})
}

// State 返回当前状态。
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Done 返回在轮询循环完全退出后关闭的通道。
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// run 轮询循环主体。
func (w *Watcher) run() {
	address := w.sess.Address()
	w.log.Info("watcher started", zap.String("address", address))

	defer func() {
		w.state.Store(int32(StateStopped))
		close(w.done)
		w.log.Info("watcher stopped", zap.String("address", address))
	}()

	for {
		// 停止标志在每轮顶部检查
		select {
		case <-w.stopCh:
			return
		default:
		}

		wait := w.interval
		msg, err := w.sess.FetchUnseenOnce(context.Background())
		switch {
		case err != nil:
			w.log.Error("watcher poll failed",
				zap.String("address", address), zap.Error(err))
			wait = w.errorBackoff
		case msg != nil:
			w.deliver(address, msg)
		}

		select {
		case <-w.stopCh:
			return
		case <-time.After(wait):
		}
	}
}
