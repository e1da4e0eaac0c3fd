// Command driver-manager runs the driver binding engine: it matches device
// nodes to drivers, assembles composites and starts drivers in driver hosts.
//
// Usage:
//
//	driver-manager -config /etc/nx/driver-manager.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	drivermgr "github.com/NotrixInc/nx-driver-manager"
	"github.com/NotrixInc/nx-driver-manager/config"
	"github.com/NotrixInc/nx-driver-manager/hostrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "driver-manager: %v\n", err)
		os.Exit(2)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newZapLogger,
			newRegistry,
			drivermgr.NewLoop,
			newCollaborators,
			newRunner,
			newGRPCServer,
			newHTTPServer,
			newSweeper,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(registerLifecycle),
	)
	app.Run()
	if err := app.Err(); err != nil {
		os.Exit(1)
	}
}

func newZapLogger(cfg *config.Manager) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.Level())
	return zc.Build()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

type collaborators struct {
	fx.Out

	Index drivermgr.DriverIndex
	Realm drivermgr.Realm
	Conns []*grpc.ClientConn `name:"collaborator_conns"`
}

func newCollaborators(cfg *config.Manager) (collaborators, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, hostrpc.DialOptions()...)
	indexConn, err := grpc.NewClient(cfg.IndexAddress, opts...)
	if err != nil {
		return collaborators{}, fmt.Errorf("dial driver index: %w", err)
	}
	realmConn, err := grpc.NewClient(cfg.RealmAddress, opts...)
	if err != nil {
		_ = indexConn.Close()
		return collaborators{}, fmt.Errorf("dial realm: %w", err)
	}
	return collaborators{
		Index: drivermgr.NewRemoteIndex(indexConn),
		Realm: drivermgr.NewRemoteRealm(realmConn),
		Conns: []*grpc.ClientConn{indexConn, realmConn},
	}, nil
}

type runnerParams struct {
	fx.In

	Config   *config.Manager
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Loop     *drivermgr.Loop
	Index    drivermgr.DriverIndex
	Realm    drivermgr.Realm
}

func newRunner(p runnerParams) (*drivermgr.Runner, error) {
	logger := drivermgr.NewZapLogger(p.Logger.Named("runner"))
	return drivermgr.NewRunner(drivermgr.RunnerConfig{
		Dependencies: drivermgr.Dependencies{
			Index:  p.Index,
			Realm:  p.Realm,
			Dial:   drivermgr.NewHostDialer(logger),
			Logger: logger,
		},
		Dispatcher:    p.Loop,
		Registerer:    p.Registry,
		DriverHostURL: p.Config.DriverHostURL,
		LoaderAddress: p.Config.LoaderAddress,
		RPCTimeout:    p.Config.RPCTimeout,
	})
}

func newGRPCServer(r *drivermgr.Runner, loop *drivermgr.Loop, logger *zap.Logger) *grpc.Server {
	s := grpc.NewServer()
	drivermgr.RegisterServices(s, drivermgr.ServerConfig{
		Runner: r,
		Loop:   loop,
		Logger: drivermgr.NewZapLogger(logger.Named("rpc")),
	})
	return s
}

func newHTTPServer(cfg *config.Manager, r *drivermgr.Runner, loop *drivermgr.Loop, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/v1/", drivermgr.NewInspectHandler(drivermgr.InspectHandlerConfig{
		Runner: r,
		Loop:   loop,
		Logger: drivermgr.NewZapLogger(logger.Named("inspect")),
	}))
	return &http.Server{Addr: cfg.HTTPAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

func newSweeper(cfg *config.Manager, r *drivermgr.Runner, loop *drivermgr.Loop, logger *zap.Logger) *drivermgr.Sweeper {
	l := drivermgr.NewZapLogger(logger.Named("sweeper"))
	return drivermgr.NewSweeper(cfg.SweepInterval, r, loop, drivermgr.SweeperOptions{
		Logger: l,
		OnBound: func(results []drivermgr.BindResult) {
			for _, res := range results {
				l.Info("orphan bound", "node", res.NodeName, "driver", res.DriverURL)
			}
		},
	})
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Manager
	Logger     *zap.Logger
	Loop       *drivermgr.Loop
	Runner     *drivermgr.Runner
	GRPC       *grpc.Server
	HTTP       *http.Server
	Sweeper    *drivermgr.Sweeper
	Conns      []*grpc.ClientConn `name:"collaborator_conns"`
}

func registerLifecycle(p lifecycleParams) {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	log := p.Logger.Sugar()

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			topo, err := loadTopology(p.Config)
			if err != nil {
				return err
			}
			lis, err := net.Listen("tcp", p.Config.ListenAddress)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", p.Config.ListenAddress, err)
			}

			go func() {
				defer close(loopDone)
				_ = p.Loop.Run(loopCtx)
			}()
			var bootErr error
			if err := p.Loop.Sync(ctx, func() { bootErr = bootstrap(p.Runner, p.Config, topo) }); err != nil {
				return err
			}
			if bootErr != nil {
				return bootErr
			}

			go func() {
				if err := p.GRPC.Serve(lis); err != nil {
					log.Errorw("grpc server stopped", "err", err)
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			go func() {
				if err := p.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorw("http server stopped", "err", err)
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			p.Sweeper.Start(loopCtx)
			log.Infow("driver manager started", "grpc", p.Config.ListenAddress, "http", p.Config.HTTPAddress)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Sweeper.Stop()
			errs := removeAllNodes(ctx, p.Loop, p.Runner)
			p.GRPC.GracefulStop()
			errs = multierr.Append(errs, p.HTTP.Shutdown(ctx))
			stopLoop()
			<-loopDone
			for _, c := range p.Conns {
				errs = multierr.Append(errs, c.Close())
			}
			return errs
		},
	})
}

func loadTopology(cfg *config.Manager) (*config.Topology, error) {
	if len(cfg.Topology) == 0 {
		return &config.Topology{}, nil
	}
	return config.LoadTopology(cfg.Topology...)
}

func bootstrap(r *drivermgr.Runner, cfg *config.Manager, topo *config.Topology) error {
	var errs error
	for _, g := range topo.DeviceGroups {
		errs = multierr.Append(errs, r.CreateDeviceGroup(g))
	}
	for _, c := range topo.Composites {
		errs = multierr.Append(errs, r.AddCompositeDevice(c))
	}
	if errs != nil {
		return errs
	}
	if cfg.RootDriverURL != "" {
		return r.StartRootDriver(cfg.RootDriverURL)
	}
	return nil
}

// removeAllNodes stops every driver, package drivers first, and waits for
// the tree to drain or ctx to end.
func removeAllNodes(ctx context.Context, loop *drivermgr.Loop, r *drivermgr.Runner) error {
	drained := make(chan struct{})
	err := loop.Sync(ctx, func() {
		r.RemoveNodes(func() {}, func() { close(drained) })
	})
	if err != nil {
		return err
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for drivers to stop: %w", ctx.Err())
	}
}
