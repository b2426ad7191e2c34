// Command daq-sim runs a simulated acquisition: a software DAQ drives
// one device through a configurable number of epochs and commits them
// to a persisted experiment file. It can also inspect a file written
// earlier.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	daq "github.com/ehrlich-b/go-daq"
	"github.com/ehrlich-b/go-daq/internal/logging"
	"github.com/ehrlich-b/go-daq/measure"
	"github.com/ehrlich-b/go-daq/persist"
)

// Config describes one simulated protocol run.
type Config struct {
	Purpose  string `yaml:"purpose"`
	Label    string `yaml:"label"`
	Source   string `yaml:"source"`
	Protocol string `yaml:"protocol"`

	Device struct {
		Name         string `yaml:"name"`
		Manufacturer string `yaml:"manufacturer"`
	} `yaml:"device"`

	Epochs          int     `yaml:"epochs"`
	DurationSeconds float64 `yaml:"durationSeconds"`
	SampleRate      float64 `yaml:"sampleRate"`
	Amplitude       float64 `yaml:"amplitude"`
	Units           string  `yaml:"units"`

	Parameters map[string]any `yaml:"parameters"`
}

// EpochDuration returns the configured epoch length.
func (c Config) EpochDuration() time.Duration {
	return time.Duration(c.DurationSeconds * float64(time.Second))
}

func defaultConfig() Config {
	var cfg Config
	cfg.Purpose = "simulated acquisition"
	cfg.Label = "sim"
	cfg.Source = "prep"
	cfg.Protocol = "constant-pulse"
	cfg.Device.Name = "Amp"
	cfg.Device.Manufacturer = "SimCo"
	cfg.Epochs = 3
	cfg.DurationSeconds = 1
	cfg.SampleRate = 1000
	cfg.Amplitude = 1.0
	cfg.Units = "V"
	return cfg
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	var (
		out        = flag.String("out", "experiment.h5", "Output experiment file (.h5)")
		configPath = flag.String("config", "", "YAML protocol configuration")
		inspect    = flag.Bool("inspect", false, "Inspect an existing file instead of acquiring")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = log.DebugLevel
	}
	logger := logging.New(logConfig)
	logging.SetDefault(logger)

	if *inspect {
		if err := inspectFile(*out); err != nil {
			logger.Fatalf("inspect failed: %v", err)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if err := run(logger, cfg, *out); err != nil {
		logger.Fatalf("acquisition failed: %v", err)
	}
}

func run(logger *log.Logger, cfg Config, out string) error {
	rate := measure.New(cfg.SampleRate, "Hz")
	sim := &daq.SimulatedDAQ{
		ChunkDuration: 100 * time.Millisecond,
		SampleRate:    rate,
		InputValue:    measure.New(0, cfg.Units),
		Pacing:        time.Millisecond,
	}

	ctrl := daq.NewController(sim, clock.New(), &daq.Options{
		Logger:           logger,
		PersistorFactory: persist.SuffixFactory,
	})
	defer ctrl.Close()

	device := daq.NewTestDevice(cfg.Device.Name, cfg.Device.Manufacturer)
	if err := ctrl.AddDevice(device); err != nil {
		return err
	}

	// Ctrl-C abandons the current epoch and stops the run.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Warn("interrupt: cancelling current epoch")
		ctrl.CancelEpoch()
	}()

	session, err := ctrl.BeginEpochGroup(out, cfg.Purpose, cfg.Label, cfg.Source)
	if err != nil {
		return err
	}
	if err := session.BeginEpochBlock(cfg.Protocol, time.Now()); err != nil {
		return err
	}

	duration := cfg.EpochDuration()
	samples := int(duration.Seconds() * cfg.SampleRate)
	for i := 0; i < cfg.Epochs; i++ {
		stimData, err := measure.ConstantIOData(measure.New(cfg.Amplitude, cfg.Units), rate, samples)
		if err != nil {
			return err
		}

		e := daq.NewEpoch(cfg.Protocol, duration)
		e.AddStimulus(device, daq.NewRenderedStimulus(cfg.Protocol+"-stim", cfg.Parameters, stimData))
		e.RecordResponse(device, rate)
		e.SetBackground(device, measure.New(0, cfg.Units), rate)
		for k, v := range cfg.Parameters {
			e.SetParameter(k, v)
		}

		logger.WithFields(log.Fields{"epoch": i + 1, "of": cfg.Epochs}).Info("running epoch")
		if err := ctrl.RunEpoch(e, session); err != nil {
			return err
		}
	}

	if err := session.EndEpochBlock(time.Now()); err != nil {
		return err
	}
	if err := ctrl.EndEpochGroup(session); err != nil {
		return err
	}
	if err := session.Close(time.Now()); err != nil {
		return err
	}

	snap := ctrl.Metrics().Snapshot()
	logger.WithFields(log.Fields{
		"completed": snap.EpochsCompleted,
		"discarded": snap.EpochsDiscarded,
		"samples":   snap.SamplesPushed,
	}).Info("acquisition finished")
	return nil
}

// inspectFile dumps the entity tree of a persisted file.
func inspectFile(path string) error {
	s, err := persist.Open(path)
	if err != nil {
		return err
	}
	defer s.Close(time.Now())

	exp := s.Experiment()
	fmt.Printf("experiment %s purpose=%q\n", exp.UUID(), exp.Purpose())

	devices, err := s.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("  device %s (%s)\n", d.Name(), d.Manufacturer())
	}

	groups, err := s.EpochGroups(nil)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := dumpGroup(s, g, "  "); err != nil {
			return err
		}
	}
	return nil
}

func dumpGroup(s *persist.Session, g *persist.EpochGroup, indent string) error {
	fmt.Printf("%sgroup %q\n", indent, g.Label())
	blocks, err := s.EpochBlocks(g)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		epochs, err := s.Epochs(b)
		if err != nil {
			return err
		}
		fmt.Printf("%s  block %q epochs=%d\n", indent, b.ProtocolID(), len(epochs))
	}
	nested, err := s.EpochGroups(g)
	if err != nil {
		return err
	}
	for _, n := range nested {
		if err := dumpGroup(s, n, indent+"  "); err != nil {
			return err
		}
	}
	return nil
}
