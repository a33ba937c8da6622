package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/config"
	"github.com/any-hub/catalog-cache/internal/engine"
	"github.com/any-hub/catalog-cache/internal/logging"
	"github.com/any-hub/catalog-cache/internal/server"
	"github.com/any-hub/catalog-cache/internal/server/routes"
	"github.com/any-hub/catalog-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	showStats   bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sections"] = config.SectionNames(cfg.Sections)
		fields["compression"] = cfg.Global.Compression
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	eng, err := engine.New(engine.Options{Config: cfg, Logger: logger})
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存引擎失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 存储 → 引擎组件 → 预取/同步 → Fiber server
	if err := eng.Init(ctx); err != nil {
		fmt.Fprintf(stdErr, "初始化缓存引擎失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.WithError(err).Warn("关闭缓存引擎失败")
		}
	}()

	if opts.showStats {
		return printStats(eng)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sections"] = len(cfg.Sections)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["backend"] = eng.Capabilities().Backend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(stdErr, "启动后台任务失败: %v\n", err)
		return 1
	}

	if err := startHTTPServer(ctx, cfg, eng, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("catalog-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		showStats  bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 CATALOG_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&showStats, "stats", false, "输出缓存统计（YAML）后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CATALOG_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		showStats:   showStats,
	}, nil
}

// printStats 输出存储中现有 section 的统计快照与配额。
func printStats(eng *engine.Engine) int {
	out, err := eng.Stats().YAML()
	if err != nil {
		fmt.Fprintf(stdErr, "导出统计失败: %v\n", err)
		return 1
	}
	_, _ = stdOut.Write(out)
	caps := eng.Capabilities()
	fmt.Fprintf(stdOut, "backend: %s\ndurable: %t\n", caps.Backend, caps.Durable)
	return 0
}

func startHTTPServer(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: port,
		Health: func() fiber.Map {
			caps := eng.Capabilities()
			return fiber.Map{
				"backend":  caps.Backend,
				"durable":  caps.Durable,
				"sections": eng.Stats().SectionCount,
			}
		},
	})
	if err != nil {
		return err
	}
	routes.RegisterAPIRoutes(app, eng)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号，停止服务")
		if err := app.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
