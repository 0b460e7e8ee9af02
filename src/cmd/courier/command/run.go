package command

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/couriernet/courier/src/courier"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts a Courier node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runCourier,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runCourier(cmd *cobra.Command, args []string) error {
	engine := courier.NewCourier(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Shutdown()
	}()

	return engine.Run()
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Node name; determines the inbox queue address")

	// Broker
	cmd.Flags().StringP("broker", "b", _config.BrokerAddr, "AMQP URL of the message broker")
	cmd.Flags().String("bootstrap-topic", _config.BootstrapTopic, "Topic prefix consumed before bootstrap completes")
	cmd.Flags().Int("max-message-size", _config.MaxMessageSize, "Max inbound message size in bytes")

	// Retries
	cmd.Flags().Int("max-retries", _config.MaxRetries, "Resend attempts for guaranteed sends")
	cmd.Flags().Duration("retry-delay", _config.RetryDelay, "Interval between resend attempts")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	addLogFileHooks()

	logFields := logrus.Fields{
		"courier.DataDir":        _config.DataDir,
		"courier.BrokerAddr":     _config.BrokerAddr,
		"courier.ServiceAddr":    _config.ServiceAddr,
		"courier.NoService":      _config.NoService,
		"courier.BootstrapTopic": _config.BootstrapTopic,
		"courier.MaxRetries":     _config.MaxRetries,
		"courier.RetryDelay":     _config.RetryDelay,
		"courier.MaxMessageSize": _config.MaxMessageSize,
		"courier.Store":          _config.Store,
		"courier.LogLevel":       _config.LogLevel,
		"courier.Moniker":        _config.Moniker,
	}

	if _config.Store {
		logFields["courier.DatabaseDir"] = _config.DatabaseDir
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/courier.toml (.json, .yaml also work)
	viper.SetConfigName("courier")       // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// addLogFileHooks mirrors info and debug output to files in the data
// directory, keeping stderr for interactive use.
func addLogFileHooks() {
	logger := _config.Logger().Logger

	pathMap := lfshook.PathMap{}

	infoPath := filepath.Join(_config.DataDir, "courier_info.log")
	if _, err := os.OpenFile(infoPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open courier_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoPath
	}

	debugPath := filepath.Join(_config.DataDir, "courier_debug.log")
	if _, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open courier_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugPath
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}
