package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/pokedex-swift/pokedex-swift/internal/cache"
	"github.com/pokedex-swift/pokedex-swift/internal/config"
	"github.com/pokedex-swift/pokedex-swift/internal/control"
	"github.com/pokedex-swift/pokedex-swift/internal/coordinator"
	"github.com/pokedex-swift/pokedex-swift/internal/entitystore"
	"github.com/pokedex-swift/pokedex-swift/internal/logging"
	"github.com/pokedex-swift/pokedex-swift/internal/netcache"
	"github.com/pokedex-swift/pokedex-swift/internal/proxy"
	"github.com/pokedex-swift/pokedex-swift/internal/server"
	"github.com/pokedex-swift/pokedex-swift/internal/server/routes"
	"github.com/pokedex-swift/pokedex-swift/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	sweepOnly   bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

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
		fields["origins"] = len(cfg.Origins)
		fields["policies"] = config.OriginPolicies(cfg.Origins)
		fields["entity_backend"] = cfg.Entity.Backend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	if opts.sweepOnly {
		return runSweep(cfg, logger, opts.configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, opts.configPath); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// runSweep 仅执行一次实体缓存过期清理后退出，适合挂在 cron 上。
func runSweep(cfg *config.Config, logger *logrus.Logger, configPath string) int {
	ctx := context.Background()
	store, err := openEntityStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化实体缓存失败: %v\n", err)
		return 1
	}
	defer store.Close()

	deleted, err := store.SweepExpired(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "清理过期实体失败: %v\n", err)
		return 1
	}
	fields := logging.BaseFields("sweep", configPath)
	fields["entity_backend"] = cfg.Entity.Backend
	fields["deleted"] = deleted
	logger.WithFields(fields).Info("过期实体清理完成")
	return 0
}

// gateway 聚合一次启动装配出的全部组件，Close 按依赖逆序释放。
type gateway struct {
	app      *fiber.App
	reg      *netcache.Registration
	entities entitystore.Store
	coord    *coordinator.Coordinator
	bridge   *control.Bridge
}

func (g *gateway) Close() {
	if g.bridge != nil {
		g.bridge.Close()
	}
	if g.reg != nil {
		g.reg.Close()
	}
	if g.entities != nil {
		g.entities.Close()
	}
}

// assemble 按“配置 → 实体缓存 → 网络缓存层 → 数据协调器 → Fiber app”的顺序装配，
// 所有请求共享同一个 Registration 与实体缓存实例。
func assemble(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*gateway, error) {
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建来源注册表失败: %w", err)
	}

	g := &gateway{}
	entities, err := openEntityStore(ctx, cfg)
	if err != nil {
		// 实体缓存不可用时仍提供服务，只是每次都访问网络。
		logger.WithFields(logging.EntityFields("open", cfg.Entity.Backend, "")).
			WithError(err).Warn("实体缓存不可用，进入降级模式")
	} else {
		g.entities = entities
	}

	netStore, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	g.reg, err = newRegistration(cfg, netStore, logger)
	if err != nil {
		g.Close()
		return nil, err
	}
	if _, err := g.reg.Register(ctx, cfg.StaticCacheName()); err != nil {
		g.Close()
		return nil, fmt.Errorf("注册网络缓存层失败: %w", err)
	}

	g.coord, err = coordinator.New(coordinator.Options{
		Store:            g.entities,
		Client:           server.NewUpstreamClient(cfg, g.reg),
		BaseURL:          cfg.API.BaseURL,
		IndexLimit:       cfg.API.IndexLimit,
		FetchConcurrency: cfg.API.FetchConcurrency,
		FetchTimeout:     cfg.Global.UpstreamTimeout.DurationValue(),
		Logger:           logger,
	})
	if err != nil {
		g.Close()
		return nil, err
	}

	if cfg.Control.NATSURL != "" {
		g.bridge, err = control.Start(control.Options{
			URL:     cfg.Control.NATSURL,
			Subject: cfg.Control.Subject,
			Logger:  logger,
		}, g.reg)
		if err != nil {
			logger.WithError(err).WithField("action", "control_subscribe").Warn("控制通道不可用，仅保留 HTTP 接口")
			g.bridge = nil
		}
	}

	g.app, err = server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(g.reg, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		g.Close()
		return nil, err
	}
	routes.RegisterPolicyRoutes(g.app, registry)
	routes.RegisterControlRoutes(g.app, g.reg)
	routes.RegisterEntityRoutes(g.app, g.entities, g.coord)
	routes.RegisterPokemonRoutes(g.app, g.coord)
	return g, nil
}

// serve 装配网关并监听端口，直到 ctx 结束后优雅关闭。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger, configPath string) error {
	g, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.Close()

	port := cfg.Global.ListenPort
	fields := logging.BaseFields("startup", configPath)
	fields["origins"] = len(cfg.Origins)
	fields["listen_port"] = port
	fields["static_cache"] = cfg.StaticCacheName()
	fields["runtime_cache"] = cfg.Global.RuntimeCacheName
	fields["degraded"] = g.coord.Degraded()
	fields["control"] = g.bridge != nil
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- g.app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，开始关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.app.ShutdownWithContext(shutdownCtx)
}

func openEntityStore(ctx context.Context, cfg *config.Config) (entitystore.Store, error) {
	store, err := entitystore.Open(cfg.Entity)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newRegistration(cfg *config.Config, store cache.Store, logger *logrus.Logger) (*netcache.Registration, error) {
	rules, err := netcache.RulesFromConfig(cfg.Origins)
	if err != nil {
		return nil, fmt.Errorf("构建缓存规则失败: %w", err)
	}
	var appOrigin *url.URL
	if origin, ok := cfg.AppOrigin(); ok {
		appOrigin, err = url.Parse(origin.Upstream)
		if err != nil {
			return nil, fmt.Errorf("解析本站来源失败: %w", err)
		}
	}
	return netcache.NewRegistration(netcache.RegistrationOptions{
		SkipWaiting: cfg.Global.SkipWaiting,
		Worker: netcache.Options{
			StaticName:         cfg.StaticCacheName(),
			RuntimeName:        cfg.Global.RuntimeCacheName,
			Store:              store,
			Transport:          server.NewUpstreamTransport(),
			Rules:              rules,
			AppOrigin:          appOrigin,
			StaticAssets:       cfg.Global.StaticAssets,
			InstallConcurrency: cfg.Global.InstallConcurrency,
			RevalidateTimeout:  cfg.Global.RevalidateTimeout.DurationValue(),
			Logger:             logger,
		},
	})
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pokedex-swift", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		sweepOnly  bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 POKEDEX_SWIFT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&sweepOnly, "sweep", false, "清理过期实体缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("POKEDEX_SWIFT_CONFIG")
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
		sweepOnly:   sweepOnly,
	}, nil
}
