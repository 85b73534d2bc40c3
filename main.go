package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/decred/slog"
	"github.com/vimeo/dials"
	"github.com/vimeo/dials/sources/env"
	"github.com/vimeo/dials/sources/flag"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"golang.org/x/sync/errgroup"

	"github.com/beaumanvienna/pamanager/bridge/pulsebridge"
	"github.com/beaumanvienna/pamanager/errutil"
	"github.com/beaumanvienna/pamanager/events"
	"github.com/beaumanvienna/pamanager/logging"
	"github.com/beaumanvienna/pamanager/manager"
	"github.com/beaumanvienna/pamanager/metrics"
	"github.com/beaumanvienna/pamanager/midi"
	"github.com/beaumanvienna/pamanager/pkg/format"
)

const appName = "pamanager"

type Config struct {
	ShowVersion   bool `dialsdesc:"Print version information and exit"`
	ListDevices   bool `dialsdesc:"Log the device lists once synchronized and exit"`
	ListMIDIPorts bool `dialsdesc:"Print the available MIDI input ports and exit"`
	Pulse         *pulsebridge.Config
	Manager       *manager.Config
	Log           *logging.Config
	Metrics       *metrics.Config
	MIDI          *midi.Config
}

var config *Config

func defaultConfig() *Config {
	pulse := pulsebridge.DefaultConfig()
	pulse.ApplicationName = appName
	return &Config{
		Pulse:   pulse,
		Manager: manager.DefaultConfig(),
		Log:     logging.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
		MIDI:    midi.DefaultConfig(),
	}
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

// errListed stops the process after a one-shot device listing.
var errListed = errors.New("device lists written")

// monitor logs every event and the resulting state.
func monitor(ctx context.Context, log slog.Logger, mgr *manager.Manager, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			log.Infof("%s", events.Describe(e))
			switch e.(type) {
			case events.Ready:
				mgr.LogDeviceLists()
				log.Infof("Output %q %s", mgr.GetDefaultOutputDevice(),
					format.VolumeBar(mgr.GetVolume(), 20))
				if config.ListDevices {
					return errListed
				}
			case events.OutputDeviceVolumeChanged, events.OutputDeviceChanged:
				log.Infof("Output %q %s", mgr.GetDefaultOutputDevice(),
					format.VolumeBar(mgr.GetVolume(), 20))
			case events.OutputDeviceListChanged, events.InputDeviceListChanged:
				log.Debugf("Outputs:\n%s", format.DeviceList(mgr.GetOutputDeviceList(),
					mgr.GetDefaultOutputDevice()))
				log.Debugf("Inputs:\n%s", format.DeviceList(mgr.GetInputDeviceList(),
					mgr.GetDefaultInputDevice()))
			}
		}
	}
}

func main() {
	mainCtx, mainCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer mainCancel()

	config = defaultConfig()
	flagSrc, err := flag.NewCmdLineSet(flag.DefaultFlagNameConfig(), config)
	if err != nil {
		panic(err)
	}
	d, err := dials.Config(mainCtx, config, &env.Source{}, flagSrc)
	if err != nil {
		panic(err)
	}
	config = d.View()

	if config.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName, version(),
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}
	if config.ListMIDIPorts {
		ports := midi.GetDevices()
		if len(ports) == 0 {
			fmt.Println("No MIDI input ports found")
		}
		for _, d := range ports {
			fmt.Println(d.Name)
		}
		return
	}

	logBknd, err := logging.NewBackend(config.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to set up logging: %v\n", err)
		os.Exit(1)
	}
	log := logBknd.Logger("MAIN")
	log.Infof("Starting %s version %s", appName, version())

	eventBus := events.NewBus()
	history := events.NewHistory(100)
	go history.Follow(eventBus.Subscribe(100))

	pb := pulsebridge.New(config.Pulse, logBknd.Logger("PULS"))
	mgr := manager.New(pb,
		manager.WithConfig(config.Manager),
		manager.WithLogger(logBknd.Logger("PAMG")))
	mgr.SetCallback(eventBus.Publish)

	g, gctx := errgroup.WithContext(mainCtx)
	g.Go(func() error { return mgr.Run(gctx) })

	monitorCh := eventBus.Subscribe(100)
	g.Go(func() error { return monitor(gctx, log, mgr, monitorCh) })

	if addr := config.Metrics.ListenAddr; addr != "" {
		collector := metrics.New(logBknd.Logger("MTRC"), mgr)
		metricsCh := eventBus.Subscribe(100)
		g.Go(func() error {
			collector.Follow(gctx, metricsCh)
			return nil
		})
		g.Go(func() error { return collector.Serve(gctx, addr) })
	}

	if config.MIDI.Enabled {
		midiCtx := midi.NewMIDI(config.MIDI, logBknd.Logger("MIDI"))
		errutil.LogError(log, "midi", midiCtx.Run(gctx, mgr))
		defer midiCtx.Disconnect()
	}

	err = g.Wait()
	log.Debugf("%d events delivered, last ones:", history.Size())
	history.Iter(func(r events.Record) {
		log.Debugf("  %s %s", r.At.Format("15:04:05.000"), events.Describe(r.Event))
	})

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errListed) {
		errutil.LogError(log, "main", err)
		logBknd.WriteRecent(os.Stderr)
		logBknd.Close()
		os.Exit(1)
	}
	log.Infof("Shutting down")
	logBknd.Close()
}
