// lime-streamer - transmit, capture and replay tool for SDR transceivers.
// It drives a LimeSDR (or an RTL-SDR receiver, or a built-in simulator)
// through three workflows: continuous noise transmission, capture with
// on-demand replay, and square wave transmission with waveform display.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lime-streamer/internal/backend"
	"lime-streamer/internal/config"
	"lime-streamer/internal/gps"
	"lime-streamer/internal/logging"
	"lime-streamer/internal/orchestrator"
	"lime-streamer/internal/version"
	"lime-streamer/internal/viz"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Command line flag variables
var (
	cfgFile string // configuration file path
	verbose bool   // enable debug logging
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lime-streamer",
	Short: "Transmit, capture and replay tool for SDR transceivers",
	Long: `lime-streamer streams complex baseband samples to and from an SDR.

  jam          transmit a noise buffer continuously
  record-play  record a few seconds, then replay the recording on demand
  square-wave  transmit a square wave and display what comes back

The radio is selected with --backend: lime (LimeSuite, build tag limesdr),
rtlsdr (receive only, build tag rtlsdr) or sim (built-in loopback simulator).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var jamCmd = &cobra.Command{
	Use:   "jam",
	Short: "Transmit noise continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(false, func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
			fmt.Printf("Transmitting noise at %.3f MHz, %.2f MSps (Ctrl-C to stop)\n",
				cfg.Transmit.Frequency/1e6, cfg.Transmit.SampleRate/1e6)
			report, err := o.ContinuousTransmit(ctx)
			if err != nil {
				return fmt.Errorf("transmission failed: %w", err)
			}
			fmt.Printf("Transmission completed: %d sends, %d samples, %d timeouts in %v\n",
				report.Iterations, report.Samples, report.Timeouts, report.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

var recordPlayCmd = &cobra.Command{
	Use:   "record-play",
	Short: "Record a signal, then replay it on demand",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(true, recordPlay)
	},
}

var squareWaveCmd = &cobra.Command{
	Use:   "square-wave",
	Short: "Transmit a square wave and display the received waveform",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(false, func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
			fmt.Printf("Transmitting square wave at %.3f MHz for %d rounds\n",
				cfg.Observe.Frequency/1e6, cfg.Observe.Iterations)
			report, err := o.TransmitObserve(ctx)
			if err != nil {
				return fmt.Errorf("square wave run failed: %w", err)
			}
			fmt.Printf("Completed %d rounds: %d samples sent, %d received\n",
				report.Rounds, report.Sent, report.Received)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo("lime-streamer"))
	},
}

// init initializes the CLI flags and configuration
func init() {
	cobra.OnInitialize(initConfig)
	defaults := config.DefaultConfig()

	// Persistent flags available to all commands
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.String("backend", defaults.Radio.Backend, "radio backend: lime, rtlsdr or sim")
	pf.Int("device-index", defaults.Radio.DeviceIndex, "device index (used when --serial is empty)")
	pf.String("serial", defaults.Radio.SerialNumber, "device serial number")
	pf.Int("channel", defaults.Radio.Channel, "channel index")
	pf.Duration("timeout", defaults.Stream.TransferTimeout, "transfer timeout")
	pf.String("log-level", defaults.Logging.Level, "log level: debug, info, warn or error")
	pf.String("log-file", defaults.Logging.File, "also write the log to this file")

	jf := jamCmd.Flags()
	jf.Float64P("frequency", "f", defaults.Transmit.Frequency, "TX frequency (Hz)")
	jf.Float64P("sample-rate", "r", defaults.Transmit.SampleRate, "sample rate (Hz)")
	jf.Float64P("gain", "g", defaults.Transmit.Gain, "normalized TX gain (0-1)")
	jf.IntP("iterations", "n", defaults.Transmit.Iterations, "number of sends, 0 runs until interrupted")
	jf.Duration("interval", defaults.Transmit.Interval, "pause between sends")

	rf := recordPlayCmd.Flags()
	rf.Float64P("frequency", "f", defaults.Capture.Frequency, "TX and RX frequency (Hz)")
	rf.Float64P("sample-rate", "r", defaults.Capture.SampleRate, "sample rate (Hz)")
	rf.DurationP("duration", "d", defaults.Capture.Duration, "recording length")
	rf.Float64("threshold", defaults.Capture.Threshold, "report magnitudes above this value")
	rf.Int("max-idle", defaults.Capture.MaxIdleTransfers, "give up after this many empty receives, 0 never gives up")
	rf.String("gps-mode", defaults.GPS.Mode, "GPS mode for capture geotags: none, nmea, gpsd or manual")
	rf.StringP("gps-port", "p", defaults.GPS.Port, "GPS serial port (for NMEA mode)")
	rf.String("gpsd-host", defaults.GPS.GPSDHost, "GPSD host address (for gpsd mode)")
	rf.String("gpsd-port", defaults.GPS.GPSDPort, "GPSD port (for gpsd mode)")
	rf.Float64("latitude", defaults.GPS.ManualLatitude, "manual latitude in decimal degrees (for manual mode)")
	rf.Float64("longitude", defaults.GPS.ManualLongitude, "manual longitude in decimal degrees (for manual mode)")
	rf.Float64("altitude", defaults.GPS.ManualAltitude, "manual altitude in meters (for manual mode)")

	sf := squareWaveCmd.Flags()
	sf.Float64P("frequency", "f", defaults.Observe.Frequency, "TX and RX frequency (Hz)")
	sf.IntP("iterations", "n", defaults.Observe.Iterations, "transmit/receive rounds, 0 runs until interrupted")
	sf.Int("period", defaults.Observe.Period, "square wave period in samples")
	sf.String("viz", defaults.Visualization.Mode, "waveform output: log, websocket or none")
	sf.String("listen", defaults.Visualization.Listen, "websocket viewer address")

	// Bind command line flags to viper configuration keys
	bindings := []struct {
		cmd  *cobra.Command
		flag string
		key  string
	}{
		{rootCmd, "backend", "radio.backend"},
		{rootCmd, "device-index", "radio.device_index"},
		{rootCmd, "serial", "radio.serial_number"},
		{rootCmd, "channel", "radio.channel"},
		{rootCmd, "timeout", "stream.transfer_timeout"},
		{rootCmd, "log-level", "logging.level"},
		{rootCmd, "log-file", "logging.file"},
		{jamCmd, "frequency", "transmit.frequency"},
		{jamCmd, "sample-rate", "transmit.sample_rate"},
		{jamCmd, "gain", "transmit.gain"},
		{jamCmd, "iterations", "transmit.iterations"},
		{jamCmd, "interval", "transmit.interval"},
		{recordPlayCmd, "frequency", "capture.frequency"},
		{recordPlayCmd, "sample-rate", "capture.sample_rate"},
		{recordPlayCmd, "duration", "capture.duration"},
		{recordPlayCmd, "threshold", "capture.threshold"},
		{recordPlayCmd, "max-idle", "capture.max_idle_transfers"},
		{recordPlayCmd, "gps-mode", "gps.mode"},
		{recordPlayCmd, "gps-port", "gps.port"},
		{recordPlayCmd, "gpsd-host", "gps.gpsd_host"},
		{recordPlayCmd, "gpsd-port", "gps.gpsd_port"},
		{recordPlayCmd, "latitude", "gps.manual_latitude"},
		{recordPlayCmd, "longitude", "gps.manual_longitude"},
		{recordPlayCmd, "altitude", "gps.manual_altitude"},
		{squareWaveCmd, "frequency", "observe.frequency"},
		{squareWaveCmd, "iterations", "observe.iterations"},
		{squareWaveCmd, "period", "observe.period"},
		{squareWaveCmd, "viz", "visualization.mode"},
		{squareWaveCmd, "listen", "visualization.listen"},
	}
	for _, b := range bindings {
		flag := b.cmd.Flags().Lookup(b.flag)
		if flag == nil {
			flag = b.cmd.PersistentFlags().Lookup(b.flag)
		}
		viper.BindPFlag(b.key, flag)
	}

	rootCmd.AddCommand(jamCmd, recordPlayCmd, squareWaveCmd, versionCmd)
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	// LIME_STREAMER_CAPTURE_DURATION overrides capture.duration, and so on
	viper.SetEnvPrefix("lime_streamer")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig layers the config file, environment and flags over the defaults
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type workflow func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error

// run opens the radio, wires the orchestrator and runs fn until it returns
// or the process is interrupted
func run(withGPS bool, fn workflow) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFile, err := logging.Setup(cfg.Logging, verbose)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := backend.Open(cfg.Radio)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			log.Printf("[WARN] closing radio: %v", cerr)
		}
	}()
	log.Printf("[INFO] opened %s", dev.Capabilities().Name)

	o := orchestrator.New(dev, cfg)
	defer func() {
		if cerr := o.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	v, err := setupVisualizer(ctx, cfg)
	if err != nil {
		return err
	}
	o.SetVisualizer(v)

	if withGPS {
		loc, err := setupGPS(ctx, cfg)
		if err != nil {
			return fmt.Errorf("GPS initialization failed: %w", err)
		}
		if loc != nil {
			o.SetLocator(loc)
		}
	}

	return fn(ctx, o, cfg)
}

func setupVisualizer(ctx context.Context, cfg *config.Config) (viz.Visualizer, error) {
	switch cfg.Visualization.Mode {
	case "none":
		return viz.Nop{}, nil
	case "websocket":
		hub := viz.NewHub()
		if err := viz.NewServer(cfg.Visualization.Listen, hub).Start(ctx); err != nil {
			return nil, err
		}
		return viz.Multi{viz.LogVisualizer{}, hub}, nil
	}
	return viz.LogVisualizer{}, nil
}

// setupGPS starts the configured position source and waits for a first
// fix. Without a fix captures are simply not geotagged.
func setupGPS(ctx context.Context, cfg *config.Config) (gps.Locator, error) {
	var loc gps.Locator
	switch cfg.GPS.Mode {
	case "none":
		return nil, nil
	case "manual":
		if cfg.GPS.ManualLatitude < -90 || cfg.GPS.ManualLatitude > 90 {
			return nil, fmt.Errorf("invalid latitude: %.8f (must be between -90 and 90 degrees)", cfg.GPS.ManualLatitude)
		}
		if cfg.GPS.ManualLongitude < -180 || cfg.GPS.ManualLongitude > 180 {
			return nil, fmt.Errorf("invalid longitude: %.8f (must be between -180 and 180 degrees)", cfg.GPS.ManualLongitude)
		}
		fmt.Printf("GPS: MANUAL MODE (%.8f°, %.8f°, %.1f m)\n",
			cfg.GPS.ManualLatitude, cfg.GPS.ManualLongitude, cfg.GPS.ManualAltitude)
		return gps.NewManual(cfg.GPS.ManualLatitude, cfg.GPS.ManualLongitude, cfg.GPS.ManualAltitude), nil
	case "nmea":
		if cfg.GPS.Port == "" {
			return nil, fmt.Errorf("GPS port not specified for NMEA mode")
		}
		n, err := gps.NewNMEASerial(cfg.GPS.Port, cfg.GPS.BaudRate, verbose || cfg.Logging.Level == "debug")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize NMEA GPS: %w", err)
		}
		loc = n
	case "gpsd":
		loc = gps.NewGPSDClient(cfg.GPS.GPSDHost, cfg.GPS.GPSDPort)
	default:
		return nil, fmt.Errorf("invalid GPS mode: %s", cfg.GPS.Mode)
	}

	if err := loc.Start(); err != nil {
		loc.Close()
		return nil, fmt.Errorf("failed to start %s GPS: %w", cfg.GPS.Mode, err)
	}

	fmt.Printf("Waiting for GPS fix via %s (timeout: %v)...\n", cfg.GPS.Mode, cfg.GPS.Timeout)
	type fixResult struct {
		pos *gps.Position
		err error
	}
	fixChan := make(chan fixResult, 1)
	go func() {
		pos, err := loc.WaitForFix(cfg.GPS.Timeout)
		fixChan <- fixResult{pos, err}
	}()

	select {
	case res := <-fixChan:
		if res.err != nil {
			log.Printf("[WARN] %v; captures will not be geotagged until a fix arrives", res.err)
			return loc, nil
		}
		fmt.Printf("GPS fix acquired: %.6f, %.6f (quality: %s, satellites: %d)\n",
			res.pos.Latitude, res.pos.Longitude, loc.GetFixQualityString(), res.pos.Satellites)
	case <-ctx.Done():
		loc.Close()
		return nil, fmt.Errorf("GPS fix cancelled: %w", ctx.Err())
	}
	return loc, nil
}

// prompt prints msg and waits for a line on input. It returns false when
// the user types q, input ends or ctx is cancelled.
func prompt(ctx context.Context, lines <-chan string, msg string) bool {
	fmt.Print(msg)
	select {
	case line, ok := <-lines:
		if !ok {
			return false
		}
		return strings.TrimSpace(strings.ToLower(line)) != "q"
	case <-ctx.Done():
		fmt.Println()
		return false
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func recordPlay(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
	lines := readLines(os.Stdin)

	if !prompt(ctx, lines, "Press Enter to start recording (q to quit)... ") {
		return nil
	}
	report, err := o.BeginCapture(ctx)
	if err != nil {
		return fmt.Errorf("recording failed: %w", err)
	}
	fmt.Printf("Recorded %d samples at %.3f MHz: %d above %.2f, mean magnitude %.4f, peak %.4f\n",
		report.Samples, cfg.Capture.Frequency/1e6, report.Exceeded, cfg.Capture.Threshold,
		report.Window.Mean, report.Window.Max)
	if pos := report.Metadata.Position; pos != nil {
		fmt.Printf("Location: %.6f, %.6f (%.1f m)\n", pos.Latitude, pos.Longitude, pos.Altitude)
	}

	for prompt(ctx, lines, "Press Enter to replay (q to quit)... ") {
		n, err := o.BeginReplay(ctx)
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		fmt.Printf("Replayed %d samples\n", n)
	}
	return o.Finish()
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
