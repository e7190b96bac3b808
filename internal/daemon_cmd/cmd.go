package daemon_cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openaccel/npud/internal/config"
	"github.com/openaccel/npud/internal/server"
	"github.com/openaccel/npud/pkg/npu"
	"github.com/openaccel/npud/pkg/npu/drivers"
)

const (
	cmdUse     = "npud"
	cmdShort   = "NPU management daemon"
	cmdExample = "npud --config /etc/npud/config.local.yaml"

	shutdownGracePeriod = 10 * time.Second
)

func NewDaemonCommand() *cobra.Command {
	var localConfigPath string

	daemonCmd := &cobra.Command{
		Use:     cmdUse,
		Short:   cmdShort,
		Example: cmdExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(cmd.Context(), localConfigPath)
		},
	}
	daemonCmd.Flags().StringVar(&localConfigPath, "config", "", "path to a local configuration file layered over "+config.GlobalConfigPath)
	return daemonCmd
}

func start(ctx context.Context, localConfigPath string) error {
	// create core loop logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("subject", "core_loop").Logger()
	ctx = logger.WithContext(ctx)

	// os signal listener
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// http server failure listener
	httpErrChan := make(chan error, 1)

	confUpdateChan := make(chan *fsnotify.Event, 1)
	conf, err := config.GetMergedConfigWithWatcher(confUpdateChan, config.GlobalConfigPath, localConfigPath)
	if err != nil {
		logger.Err(err).Msg("couldn't parse configuration")
		return err
	}

	if conf.DebugMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	defer func() {
		logger.Info().Msg("closing channels")
		signal.Stop(sigChan)
		close(sigChan)
		close(httpErrChan)
		close(confUpdateChan)
	}()

	manager, err := buildManager(ctx, conf, logger)
	if err != nil {
		logger.Err(err).Msg("couldn't initialize accelerator manager")
		return err
	}

	apiLogger := zerolog.New(os.Stdout).With().Timestamp().Str("subject", "api_server").Logger()
	httpServer := &http.Server{
		Addr:    conf.Server.ListenAddress,
		Handler: server.NewMux(manager, apiLogger),
	}

	go func() {
		logger.Info().Msg(fmt.Sprintf("api server listening on %s", conf.Server.ListenAddress))
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			httpErrChan <- serveErr
		}
	}()

	logger.Info().Msg("start event loop")

Loop:
	for {
		select {
		case sig := <-sigChan:
			logger.Info().Msg(fmt.Sprintf("signal %d received", sig))
			break Loop
		case httpErr := <-httpErrChan:
			logger.Err(httpErr).Msg("error received from api server error channel")
			break Loop
		case confEvent := <-confUpdateChan:
			logger.Info().Msg(fmt.Sprintf("configuration file %s has been changed, restarting daemon", confEvent.Name))
			break Loop
		}
	}

	logger.Info().Msg("stopping api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Err(err).Msg("api server shutdown failed")
	}

	logger.Info().Msg("stopping accelerator manager")
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Err(err).Msg("accelerator manager shutdown failed")
		return err
	}

	return nil
}

// buildManager constructs the manager the configured way. Auto selection
// probes for real hardware and falls back to the mock HAL.
func buildManager(ctx context.Context, conf *config.Config, logger zerolog.Logger) (*npu.Manager, error) {
	halLogger := zerolog.New(os.Stdout).With().Timestamp().Str("subject", "hal").Logger()
	opts := []npu.ManagerOption{
		npu.WithDeviceDenyList(conf.DenyList()),
		npu.WithSchedulerConfig(conf.SchedulerSettings()),
	}

	switch conf.HAL {
	case config.HALMock:
		return npu.NewMockManager(ctx, logger, opts...)
	case config.HALNeuralEngine:
		hal := drivers.NewNeuralEngineHAL(halLogger, conf.SchedulerSettings())
		return npu.NewManager(ctx, hal, logger, opts...)
	default:
		hals := npu.NewHALRegistry()
		hals.RegisterFactory(npu.DeviceTypeAppleNeuralEngine, &drivers.NeuralEngineFactory{
			Logger:    halLogger,
			Scheduler: conf.SchedulerSettings(),
		})
		return npu.NewManagerWithDetection(ctx, hals, logger, opts...)
	}
}
