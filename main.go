package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/fetch"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/server/routes"
	"github.com/any-hub/any-fetch/internal/transport"
	"github.com/any-hub/any-fetch/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool

	// fetchURL 非空时执行一次性下载后退出，不启动 HTTP 服务。
	fetchURL     string
	sizeLimit    int64
	sizeLimitSet bool
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
		fields["cache_backend"] = cfg.Cache.Backend
		fields["cache_capacity"] = cfg.Cache.Capacity
		fields["size_warning"] = cfg.Fetch.SizeWarning
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 缓存索引 → 下载源 → Manager”，
	// 一次性下载与 HTTP 服务共享同一套实例。
	index, err := cache.Open(cache.Options{
		Dir:           cfg.Cache.Dir,
		FallbackDir:   cfg.Cache.FallbackDir,
		Capacity:      cfg.Cache.Capacity,
		EvictionSlack: cfg.Cache.EvictionSlack,
		Backend:       cfg.Cache.Backend,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存索引失败: %v\n", err)
		return 1
	}
	defer index.Close()

	recorder := metrics.NewRecorder()
	manager := fetch.NewManager(fetch.ManagerOptions{
		Index:     index,
		Sources:   newSourceSelector(cfg),
		ChunkSize: cfg.Fetch.ChunkSize,
		Logger:    logger,
		OnFinish:  recorder.Observe,
	})
	defer manager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.fetchURL != "" {
		limit := cfg.Fetch.SizeWarning
		if opts.sizeLimitSet {
			limit = opts.sizeLimit
		}
		return runFetch(ctx, manager, opts.fetchURL, limit)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_dir"] = index.Dir()
	fields["cache_backend"] = cfg.Cache.Backend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	info := routes.CacheInfo{
		Dir:           index.Dir(),
		Backend:       cfg.Cache.Backend,
		Capacity:      cfg.Cache.Capacity,
		EvictionSlack: cfg.Cache.EvictionSlack,
	}
	if err := startHTTPServer(ctx, cfg, manager, info, recorder.Handler(), logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("any-fetch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		fetchURL   string
		sizeLimit  int64
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_FETCH_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&fetchURL, "fetch", "", "下载指定 url 后输出本地文件路径并退出")
	fs.Int64Var(&sizeLimit, "size-limit", 0, "一次性下载的体积阈值（字节），-1 关闭检查，默认取配置 Fetch.SizeWarning")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	sizeLimitSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "size-limit" {
			sizeLimitSet = true
		}
	})

	path := os.Getenv("ANY_FETCH_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:   path,
		checkOnly:    checkOnly,
		showVersion:  showVer,
		fetchURL:     fetchURL,
		sizeLimit:    sizeLimit,
		sizeLimitSet: sizeLimitSet,
	}, nil
}

// newSourceSelector 按配置构建 http 与本地下载源。
func newSourceSelector(cfg *config.Config) *transport.Selector {
	httpSource := transport.NewHTTPSource(
		transport.WithClient(transport.NewHTTPClient(cfg.Fetch.ConnectTimeout.DurationValue())),
		transport.WithIdleTimeout(cfg.Fetch.IdleTimeout.DurationValue()),
		transport.WithUserAgent(version.UserAgent()),
	)
	return transport.NewSelector(httpSource, transport.NewLocalSource())
}

func startHTTPServer(ctx context.Context, cfg *config.Config, manager *fetch.Manager, info routes.CacheInfo, metricsHandler http.Handler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Manager:     manager,
		SizeWarning: cfg.Fetch.SizeWarning,
		ListenPort:  port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticRoutes(app, info, manager)
	routes.RegisterMetricsRoute(app, metricsHandler)

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
