package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/config"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/daemon"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/discovery"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/metrics"
)

// Git commit of current build set at build time
var GitCommit = "Undefined"

type cliParams struct {
	configPath   string
	overridePath string
	listAux      bool
	noServers    bool
}

// Parse Command line flags
func (cp *cliParams) flagInit() {
	flag.StringVar(&cp.configPath, "config", config.DefaultConfigPath,
		"daemon configuration file")
	flag.StringVar(&cp.overridePath, "override-file", "",
		"operator override file, overrides the path set in the configuration")
	flag.BoolVar(&cp.listAux, "list-aux", false,
		"list DP AUX devices and the GPUs they belong to, then exit")
	flag.BoolVar(&cp.noServers, "no-servers", false,
		"do not start the metrics and ready servers")
	flag.Parse()
	cp.debugPrint()
}

func (cp *cliParams) debugPrint() {
	glog.Infof("config path set to: %s", cp.configPath)
	if cp.overridePath != "" {
		glog.Infof("override file set to: %s", cp.overridePath)
	}
}

func listAuxDevices() error {
	devs, err := discovery.New().AuxDevices()
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("no DP AUX devices found")
	}
	for _, d := range devs {
		fmt.Println(d.String())
	}
	return nil
}

func main() {
	fmt.Printf("Git commit: %s\n", GitCommit)
	cp := &cliParams{}
	cp.flagInit()
	defer glog.Flush()

	if cp.listAux {
		if err := listAuxDevices(); err != nil {
			glog.Errorf("list aux devices failed: %v", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(cp.configPath)
	if err != nil {
		glog.Errorf("load config failed: %v", err)
		return
	}
	if cp.overridePath != "" {
		cfg.OverrideFile = cp.overridePath
	}

	hostname, _ := os.Hostname()
	metrics.RegisterMetrics(hostname)

	dn, err := daemon.New(cfg)
	if err != nil {
		glog.Errorf("create daemon failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	if !cp.noServers {
		daemon.StartMetricsServer(cfg.MetricsAddress)
		daemon.StartReadyServer(cfg.ReadyAddress, dn.ReadyTracker())
	}

	if err = dn.Start(ctx); err != nil {
		glog.Errorf("not every display started: %v", err)
	}

	if cfg.OverrideFile != "" {
		w, werr := config.NewWatcher(cfg.OverrideFile, func(o config.Overrides) {
			dn.ApplyOverrides(ctx, o)
		})
		if werr != nil {
			glog.Errorf("override watcher disabled: %v", werr)
		} else {
			if lerr := w.Load(); lerr != nil {
				glog.Errorf("load overrides: %v", lerr)
			}
			go w.Run(ctx)
		}
	}

	go dn.Run(ctx, cfg.StatusInterval.Duration)

	sig := <-sigCh
	glog.Info("signal received, shutting down ", sig)
	cancel()
	dn.Stop(context.Background())
}
