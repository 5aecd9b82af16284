// Package pubsub 提供进程内的泛型发布/订阅主题。
//
// 每个订阅者拥有独立的带缓冲通道；Publish 按订阅者逐个投递，
// 满了就阻塞到 ctx 取消或该订阅被取消为止，因此单个流内保持到达顺序。
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示主题已关闭。
var ErrClosed = errors.New("pubsub: topic closed")

const defaultBuffer = 64

// Topic 是单一类型的消息主题。零值不可用，请使用 NewTopic。
type Topic[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	buffer int
	closed bool
}

// NewTopic 创建主题；buffer<=0 时使用默认缓冲。
func NewTopic[T any](buffer int) *Topic[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Topic[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
	}
}

// Subscription 是一个订阅。C 在 Cancel 或主题关闭后不再有新值，
// 读取方应同时监听 Done()。
type Subscription[T any] struct {
	C <-chan T

	ch    chan T
	done  chan struct{}
	once  sync.Once
	topic *Topic[T]
}

// Done 在订阅取消后关闭。
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Cancel 取消订阅，可重复调用。
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.topic != nil {
			s.topic.remove(s)
		}
	})
}

// Subscribe 注册一个新订阅。主题已关闭时返回的订阅立即处于取消状态。
func (t *Topic[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, t.buffer)
	s := &Subscription[T]{C: ch, ch: ch, done: make(chan struct{}), topic: t}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

// Publish 把 v 投递给当前所有订阅者。
func (t *Topic[T]) Publish(ctx context.Context, v T) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Subscription[T], 0, len(t.subs))
	for s := range t.subs {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- v:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Len 返回订阅者数量。
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close 关闭主题并取消全部订阅。之后的 Publish 返回 ErrClosed。
func (t *Topic[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[*Subscription[T]]struct{})
	t.mu.Unlock()

	for s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}

func (t *Topic[T]) remove(s *Subscription[T]) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}
