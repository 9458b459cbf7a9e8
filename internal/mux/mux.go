package mux

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when submitting to a closed Mux.
	ErrClosed = errors.New("mux is closed")
	// ErrFull is returned by a dropping sink whose consumer fell behind.
	ErrFull = errors.New("sink is full")
)

type In[T any] <-chan T
type Out[T any] chan<- T

type Logger interface {
	Info(format string, args ...interface{})
}

type AwaitReply[T, U any] struct {
	value T
	reply chan U
}

func (ar AwaitReply[T, U]) Value() T {
	return ar.value
}

func (ar AwaitReply[T, U]) Reply(value U) {
	ar.reply <- value
	close(ar.reply)
}

func (ar AwaitReply[T, U]) Await() U {
	return <-ar.reply
}

type AwaitDone[T any] struct {
	AwaitReply[T, struct{}]
}

func (ad AwaitDone[T]) Done() {
	ad.Reply(struct{}{})
}

func (ad AwaitDone[T]) Wait() {
	ad.Await()
}

func NewAwaitReply[T, U any](value T) AwaitReply[T, U] {
	return AwaitReply[T, U]{
		value: value,
		reply: make(chan U, 1),
	}
}

func NewAwaitDone[T any](value T) AwaitDone[T] {
	return AwaitDone[T]{
		NewAwaitReply[T, struct{}](value),
	}
}

type Sink[T any] interface {
	Submit(T) error
	Close()
}

type thenSink[U, T any] struct {
	sink      Sink[T]
	contramap func(U) T
}

func (c *thenSink[U, T]) Submit(v U) error {
	return c.sink.Submit(c.contramap(v))
}

func (c *thenSink[U, T]) Close() {
	c.sink.Close()
}

// ThenSink adapts a sink of T into a sink of U.
func ThenSink[U, T any](sink Sink[T], f func(U) T) Sink[U] {
	return &thenSink[U, T]{sink, f}
}

type filterSink[T any] struct {
	sink Sink[T]
	f    FilterFunc[T]
}

func (c *filterSink[T]) Submit(v T) error {
	if c.f(v) {
		return c.sink.Submit(v)
	}
	return nil
}

func (c *filterSink[T]) Close() {
	c.sink.Close()
}

func FilterSink[T any](sink Sink[T], f FilterFunc[T]) Sink[T] {
	return &filterSink[T]{sink, f}
}

type chanSink[T any] struct {
	ch   chan<- T
	once sync.Once
}

func (c *chanSink[T]) Submit(v T) error {
	c.ch <- v
	return nil
}

func (c *chanSink[T]) Close() {
	c.once.Do(func() { close(c.ch) })
}

// SinkFromChan blocks the producer until the consumer takes the value.
func SinkFromChan[T any](ch chan<- T) Sink[T] {
	return &chanSink[T]{ch: ch}
}

type droppingSink[T any] struct {
	chanSink[T]
}

func (c *droppingSink[T]) Submit(v T) error {
	select {
	case c.ch <- v:
		return nil
	default:
		return ErrFull
	}
}

// DroppingSinkFromChan never blocks: when ch has no room the value is
// dropped and ErrFull returned.
func DroppingSinkFromChan[T any](ch chan<- T) Sink[T] {
	return &droppingSink[T]{chanSink[T]{ch: ch}}
}

type funcSink[T any] struct {
	f func(T) error
}

func (c *funcSink[T]) Submit(v T) error {
	return c.f(v)
}

func (c *funcSink[T]) Close() {}

// SinkFunc calls f for every value. Closing it does nothing.
func SinkFunc[T any](f func(T) error) Sink[T] {
	return &funcSink[T]{f}
}

type Source[T any] interface {
	Subscribe(Sink[T]) CancelFunc
}

// Mux fans values out to every subscribed sink from a single goroutine.
type Mux[T any] struct {
	input      chan T
	register   chan AwaitDone[Sink[T]]
	unregister chan AwaitDone[Sink[T]]
	outputs    map[Sink[T]]bool
	done       chan struct{}
	closeOnce  sync.Once

	submitTimeout time.Duration
	inBufSize     int
	logger        Logger
}

type Option[T any] interface {
	apply(*Mux[T])
}

type buffered[T any] struct {
	Size int
}

func (b *buffered[T]) apply(m *Mux[T]) {
	m.inBufSize = b.Size
}

func Buffered[T any](size int) Option[T] {
	return &buffered[T]{size}
}

type withLogger[T any] struct {
	Logger Logger
}

func (l *withLogger[T]) apply(m *Mux[T]) {
	m.logger = l.Logger
}

func WithLogger[T any](logger Logger) Option[T] {
	return &withLogger[T]{logger}
}

type withSubmitTimeout[T any] struct {
	timeout time.Duration
}

func (t *withSubmitTimeout[T]) apply(m *Mux[T]) {
	m.submitTimeout = t.timeout
}

// WithSubmitTimeout bounds how long Submit waits for the fan-out goroutine.
func WithSubmitTimeout[T any](timeout time.Duration) Option[T] {
	return &withSubmitTimeout[T]{timeout}
}

func Make[T any](opts ...Option[T]) *Mux[T] {
	mux := &Mux[T]{
		submitTimeout: 1 * time.Second,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(mux)
	}

	mux.input = make(chan T, mux.inBufSize)
	mux.register = make(chan AwaitDone[Sink[T]])
	mux.unregister = make(chan AwaitDone[Sink[T]])
	mux.outputs = make(map[Sink[T]]bool)
	mux.done = make(chan struct{})

	go mux.run()

	return mux
}

func (c *Mux[T]) run() {
	defer func() {
		for sub := range c.outputs {
			delete(c.outputs, sub)
			sub.Close()
		}
	}()

	for {
		select {
		case v := <-c.input:
			for out := range c.outputs {
				if err := out.Submit(v); err != nil {
					c.error("error submitting value %v: %v", v, err)
				}
			}
		case ar := <-c.register:
			c.outputs[ar.value] = true
			ar.Done()
		case ar := <-c.unregister:
			sub := ar.value
			if c.outputs[sub] {
				delete(c.outputs, sub)
				sub.Close()
			}
			ar.Done()
		case <-c.done:
			return
		}
	}
}

func (m *Mux[T]) error(format string, args ...any) error {
	if m.logger != nil {
		m.logger.Info(format, args...)
	}
	return fmt.Errorf(format, args...)
}

// Close stops the fan-out and closes every subscribed sink. Values still
// buffered are discarded. Close may be called more than once.
func (c *Mux[T]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Mux[T]) Submit(v T) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(c.submitTimeout)
	defer timer.Stop()

	select {
	case c.input <- v:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return c.error("timed out submitting value %v after %s", v, c.submitTimeout)
	}
}

type CancelFunc func()

// Subscribe registers sink until the returned CancelFunc is called. Sinks
// subscribed to a closed Mux are closed right away.
func (c *Mux[T]) Subscribe(sink Sink[T]) CancelFunc {
	ar := NewAwaitDone(sink)
	select {
	case c.register <- ar:
		ar.Wait()
	case <-c.done:
		sink.Close()
		return func() {}
	}

	return func() {
		ar := NewAwaitDone(sink)
		select {
		case c.unregister <- ar:
			ar.Wait()
		case <-c.done:
		}
	}
}

func ChainCancelFunc(cf1, cf2 func(), cfs ...func()) CancelFunc {
	return func() {
		cf1()
		cf2()
		for _, cf := range cfs {
			if cf != nil {
				cf()
			}
		}
	}
}
