package main

import (
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	udpfrontend "github.com/kasumi/kasumi/frontend/udp"
	"github.com/kasumi/kasumi/pkg/log"
	"github.com/kasumi/kasumi/pkg/metrics"
	"github.com/kasumi/kasumi/pkg/stop"
	"github.com/kasumi/kasumi/tracker"
)

// Run executes the tracker with the given configuration until a shutdown
// signal arrives.
func Run(configFilePath string) error {
	configFile, err := ParseConfigFile(configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Kasumi

	stopGroup := stop.NewGroup()

	if cfg.PrometheusAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.PrometheusAddr})
		stopGroup.Add(metrics.NewServer(cfg.PrometheusAddr))
	}

	tkr := tracker.New(cfg.Tracker, nil)
	log.Info("started tracker", tkr.Config())
	stopGroup.Add(tkr)

	if cfg.UDP.Disable {
		log.Warn("udp tracker disabled by configuration; nothing will be served")
	} else {
		for _, feCfg := range cfg.UDP.FrontendConfigs() {
			fe, err := udpfrontend.NewFrontend(tkr, feCfg)
			if err != nil {
				// Unbind whatever came up before failing.
				for result := range stopGroup.Stop() {
					log.Error("error stopping", log.Err(result))
				}
				return errors.Wrap(err, "failed to create udp frontend")
			}
			log.Info("started serving udp", feCfg)
			stopGroup.Add(fe)
		}
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Info("shutting down")

	for err := range stopGroup.Stop() {
		if err != nil {
			return errors.Wrap(err, "error during shutdown")
		}
	}

	return nil
}

func main() {
	var configFilePath string
	var cpuProfilePath string

	rootCmd := &cobra.Command{
		Use:   "kasumi",
		Short: "BitTorrent Tracker",
		Long:  "A customizable UDP BitTorrent tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if level := os.Getenv("KASUMI_LOG_LEVEL"); level != "" {
				if err := log.SetLevel(level); err != nil {
					return errors.Wrap(err, "invalid KASUMI_LOG_LEVEL")
				}
			}

			if cpuProfilePath != "" {
				log.Info("enabled CPU profiling", log.Fields{"path": cpuProfilePath})
				f, err := os.Create(cpuProfilePath)
				if err != nil {
					return err
				}
				if err := pprof.StartCPUProfile(f); err != nil {
					return err
				}
				defer pprof.StopCPUProfile()
			}

			return Run(configFilePath)
		},
	}

	rootCmd.Flags().StringVar(&configFilePath, "config", "", "location of configuration file")
	rootCmd.Flags().StringVar(&cpuProfilePath, "cpuprofile", "", "location to save a CPU profile")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("shutting down", log.Err(err))
	}
}
