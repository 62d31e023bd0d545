// CORTHEX HQ 入口：加载配置、初始化日志/遥测/指标，
// 装配系统后以单命令模式或常驻模式运行。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	corthex "github.com/kodonghui/CORTHEX-HQ-sub001"
	"github.com/kodonghui/CORTHEX-HQ-sub001/config"
	"github.com/kodonghui/CORTHEX-HQ-sub001/delegation"
	"github.com/kodonghui/CORTHEX-HQ-sub001/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "corthex.yaml", "path to configuration file")
		target     = flag.String("target", "", "route the command to a specific agent id")
		level      = flag.Int("level", 0, "explicit routing level 1-4 (0 = auto)")
		debate     = flag.Bool("debate", false, "run the command in debate mode")
	)
	flag.Parse()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Fatal("telemetry init failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(ctx)
	}()

	system, err := corthex.New(cfg, corthex.Options{Logger: logger})
	if err != nil {
		logger.Fatal("system assembly failed", zap.Error(err))
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	if command := strings.TrimSpace(strings.Join(flag.Args(), " ")); command != "" {
		runOnce(system, command, delegation.SubmitOptions{
			TargetAgentID: *target,
			Level:         *level,
			Debate:        *debate,
		}, logger)
	} else {
		logger.Info("running in daemon mode, waiting for signal")
		waitForSignal()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := system.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

// runOnce 提交单条指令并把报告打到标准输出。
func runOnce(system *corthex.System, command string, opts delegation.SubmitOptions, logger *zap.Logger) {
	handle, err := system.Submit(command, opts)
	if err != nil {
		logger.Fatal("submit failed", zap.Error(err))
	}
	logger.Info("task submitted", zap.String("task_id", handle.TaskID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap, err := handle.Wait(ctx)
	if err != nil {
		// 信号到达：取消任务后等它进入终态
		_ = system.Cancel(handle.TaskID)
		snap, _ = handle.Wait(context.Background())
	}

	fmt.Printf("task %s: state=%s status=%s level=%d\n\n", snap.TaskID, snap.State, snap.Status, snap.Level)
	if snap.Report != nil {
		fmt.Println("=== COORDINATOR JUDGMENT ===")
		fmt.Println(snap.Report.CoordinatorJudgment)
		fmt.Println()
		fmt.Println("=== SUBORDINATE SUMMARY ===")
		fmt.Println(snap.Report.SubordinateSummary)
		if snap.Report.Marker != "" {
			fmt.Printf("\n[marker: %s]\n", snap.Report.Marker)
		}
	}
	if snap.Status == delegation.StatusFailed {
		fmt.Printf("failed: %s (%s)\n", snap.ErrorMsg, snap.ErrorCode)
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// buildLogger 按配置构建 zap 日志器。
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}
	return zcfg.Build()
}
