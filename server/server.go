// Package server 提供组件生命周期托管
//
// 协调核心的长驻组件（Outbox Relay、传输层、恢复扫描）都实现
// Runner。Supervisor 按注册顺序启动、按倒序停止，停止受超时
// 保护：单个组件卡死不会阻塞整个进程退出。
package server

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"sagaflow/logging"
)

// Runner 可托管的长驻组件
type Runner interface {
	// Start 启动组件（应当立即返回，内部自行起 goroutine）
	Start(ctx context.Context) error

	// Stop 停止组件并等待收尾
	Stop() error
}

// DefaultShutdownTimeout 默认停止超时
const DefaultShutdownTimeout = 30 * time.Second

type namedRunner struct {
	name   string
	runner Runner
}

// Supervisor 组件生命周期管理器
type Supervisor struct {
	runners []namedRunner
	timeout time.Duration
	logger  logging.Logger
}

// NewSupervisor 创建管理器
func NewSupervisor(shutdownTimeout time.Duration) *Supervisor {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Supervisor{
		timeout: shutdownTimeout,
		logger:  logging.ComponentLogger("server.supervisor"),
	}
}

// Add 注册组件（按注册顺序启动）
func (s *Supervisor) Add(name string, runner Runner) {
	s.runners = append(s.runners, namedRunner{name: name, runner: runner})
}

// Start 按顺序启动全部组件
//
// 某个组件启动失败时，已启动的组件按倒序停止后返回错误。
func (s *Supervisor) Start(ctx context.Context) error {
	for i, nr := range s.runners {
		s.logger.Info(ctx, "starting component", logging.String("component", nr.name))
		if err := nr.runner.Start(ctx); err != nil {
			s.logger.Error(ctx, "component start failed",
				logging.String("component", nr.name), logging.Error(err))
			s.stopFrom(ctx, i-1)
			return fmt.Errorf("start %s: %w", nr.name, err)
		}
	}
	return nil
}

// Stop 按倒序停止全部组件
func (s *Supervisor) Stop() error {
	return s.stopFrom(context.Background(), len(s.runners)-1)
}

// Run 启动全部组件并阻塞到 ctx 取消或收到退出信号
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info(ctx, "shutdown requested")
	return s.Stop()
}

func (s *Supervisor) stopFrom(ctx context.Context, from int) error {
	var firstErr error
	for i := from; i >= 0; i-- {
		nr := s.runners[i]
		s.logger.Info(ctx, "stopping component", logging.String("component", nr.name))
		if err := s.stopWithTimeout(nr.runner); err != nil {
			s.logger.Error(ctx, "component stop failed",
				logging.String("component", nr.name), logging.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", nr.name, err)
			}
		}
	}
	return firstErr
}

// stopWithTimeout 停止单个组件，超时则放弃等待
func (s *Supervisor) stopWithTimeout(r Runner) error {
	done := make(chan error, 1)
	go func() {
		done <- r.Stop()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(s.timeout):
		return fmt.Errorf("stop timed out after %s", s.timeout)
	}
}
