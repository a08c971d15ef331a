package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/openbmc/acfshell/internal/log"
	"github.com/openbmc/acfshell/internal/model"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/acfshell on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagTimeout        uint64 // value of submit --timeout
	flagDump           bool   // value of submit --dump
	flagForce          bool   // value of config init --force
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "/etc"
	}
	userConfigPath = filepath.Join(d, "acfshell")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is acfshell.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	submitCmd.Flags().Uint64Var(&flagTimeout, "timeout", 30, "script timeout in seconds, 0 means none")
	submitCmd.Flags().BoolVar(&flagDump, "dump", true, "collect a BMC dump once the script finished")
	configInitCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing file")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse a config, setup logging
	rootCmd.PersistentPreRunE = initShell
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(activeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("acfshell failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "acfshell",
	Short:        "Runs ACF scripts on the BMC and exposes them on D-Bus",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the shell on D-Bus until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "submit a script file to a running daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  doSubmit,
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "list the scripts a running daemon executes",
	Args:  cobra.NoArgs,
	RunE:  doActive,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "cancel a running script",
	Args:  cobra.ExactArgs(1),
	RunE:  doCancel,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doConfigInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of acfshell",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("acfshell: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("acfshell: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doConfigInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(userConfigPath, "acfshell.yaml")
	if len(args) == 1 {
		path = args[0]
	}
	if !flagForce && exists(path) {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(model.DefaultConfig(cmd.Context())); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func initShell(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("ACFSHELLCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "acfshell.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}
	if err := model.ApplyEnv(&config); err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	w, closer, err := logWriter(config.Service.Log)
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("acfshell run", "configPath", configPath)
	slog.Debug("acfshell run", "config", config)
	return nil
}

func logWriter(dest string) (io.Writer, io.Closer, error) {
	switch dest {
	case model.LogStderr, "":
		return os.Stderr, nil, nil
	case model.LogStdout:
		return os.Stdout, nil, nil
	case model.LogDiscard:
		return io.Discard, nil, nil
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		return f, f, nil
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
