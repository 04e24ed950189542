package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var SafeExitInst *SafeExit

// InitSafeExit 监听退出信号, 信号到达时取消根 context
func InitSafeExit() {
	ctx, cancel := context.WithCancel(context.Background())
	SafeExitInst = &SafeExit{ctx: ctx, cancel: cancel}
	go SafeExitInst.ListenSignal()
}

type SafeExit struct {
	ctx    context.Context
	cancel context.CancelFunc
	funcs  []func()
	mu     sync.Mutex
	once   sync.Once
}

// Context 根 context, 收到信号后结束
func (s *SafeExit) Context() context.Context { return s.ctx }

// Register 注册退出清理, 按注册的逆序执行
func (s *SafeExit) Register(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.funcs = append(s.funcs, f)
}

// Cleanup 执行清理, 只执行一次
func (s *SafeExit) Cleanup() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		funcs := s.funcs
		s.mu.Unlock()
		for i := len(funcs) - 1; i >= 0; i-- {
			funcs[i]()
		}
	})
}

func (s *SafeExit) ListenSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigs
	fmt.Fprintf(os.Stderr, "收到系统信号 %s, 正在停止任务, 请稍后\n", sig)
	s.cancel()

	// 第二次信号直接退出
	<-sigs
	s.Cleanup()
	os.Exit(1)
}
