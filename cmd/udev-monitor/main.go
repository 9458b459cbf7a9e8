package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/discovery"
	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/record"
	"github.com/ydb-platform/udev-monitor/internal/server"
	"github.com/ydb-platform/udev-monitor/internal/udev"
)

func main() {
	appContext, appCancel := context.WithCancel(context.Background())
	appWaitGroup := &sync.WaitGroup{}

	flags := initFlags()
	config := flags.config

	udevContext, err := udev.Open()
	if err != nil {
		klog.Fatalf("failed to open udev context: %v", err)
	}

	// udev discovery enumerates devices and follows their events
	devDiscovery, err := discovery.New(udevContext, config.discovery(), appWaitGroup)
	if err != nil {
		klog.Fatalf("failed to start udev discovery: %v", err)
	}

	annotator := config.Annotate.annotator(udevContext.Sysattr)
	out := newPrinter(os.Stdout, config.filter(), annotator)
	cancel := devDiscovery.Subscribe(out)

	if config.Record != "" {
		recorder, err := record.NewRecorder(config.Record, record.WithAnnotator(annotator))
		if err != nil {
			klog.Fatalf("failed to open event journal: %v", err)
		}
		cancel = mux.ChainCancelFunc(
			devDiscovery.Subscribe(recorder),
			cancel,
		)
	}

	if config.Listen != "" {
		srv := server.New(devDiscovery,
			server.WithAnnotator(annotator),
			server.WithOriginPatterns(config.Origins...),
		)
		appWaitGroup.Add(1)
		go func() {
			defer appWaitGroup.Done()
			if err := srv.ListenAndServe(appContext, config.Listen); err != nil {
				klog.Fatalf("failed to start http server: %v", err)
			}
		}()
	}

	if source, ok := flags.Config.configSource.(*fileConfigSource); ok {
		reload := func() {
			config, err := flags.Config.load()
			if err != nil {
				klog.Errorf("ignoring invalid config %s: %v", source, err)
				return
			}
			if err := devDiscovery.Reconfigure(config.discovery()); err != nil {
				klog.Errorf("failed to apply config %s: %v", source, err)
				return
			}
			out.reconfigure(config.filter(), config.Annotate.annotator(udevContext.Sysattr))
			klog.Infof("Applied config %s", source)
		}
		if err := watchConfig(appContext, appWaitGroup, source.path, reload); err != nil {
			klog.Warningf("config changes will not be applied: %v", err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for signal := range sigs {
		switch signal {
		case syscall.SIGINT, syscall.SIGTERM:
			klog.Infof("Received signal %q, shutting down", signal.String())
			cancel()
			devDiscovery.Close()
			appCancel()
			appWaitGroup.Wait()
			if err := udevContext.Close(); err != nil {
				klog.Errorf("failed to close udev context: %v", err)
			}
			klog.Flush()
			return
		}
	}
}

type FlagValues struct {
	Config ConfigFlag

	config *Config
}

func initFlags() FlagValues {
	values := FlagValues{}
	flags := flag.NewFlagSet("udev-monitor", flag.ExitOnError)
	klog.InitFlags(flags)
	flags.Var(&values.Config, "config", `configuration source (in form "file:<path>", "env:<ENV_VARIABLE>" or "stdin"); all udev events are printed without it`)
	flags.Parse(os.Args[1:])

	config, err := values.Config.load()
	if err != nil {
		klog.Fatalf("failed to load --config %q: %v", values.Config.String(), err)
	}
	values.config = config

	return values
}
