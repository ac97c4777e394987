package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/dittodds/internal/adapter/udp"
	"github.com/marmos91/dittodds/internal/logger"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/internal/telemetry"
	"github.com/marmos91/dittodds/pkg/api"
	"github.com/marmos91/dittodds/pkg/config"
	"github.com/marmos91/dittodds/pkg/metrics"
	promMetrics "github.com/marmos91/dittodds/pkg/metrics/prometheus"
	"github.com/marmos91/dittodds/pkg/participant"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DittoDDS daemon",
	Long: `Start the daemon: join the configured domain, announce the local
participant over SPDP multicast, and serve the introspection API.

Examples:
  # Start with the default config location
  dittodds start

  # Start with a custom config file
  dittodds start --config /etc/dittodds/config.yaml

  # Override any setting through the environment
  DITTODDS_LOGGING_LEVEL=DEBUG dittodds start`,
	RunE: runStart,
}

// rtps port mapping constants (RTPS 2.4 §9.6.1.1).
const (
	portDomainGain      = 250
	portMulticastOffset = 0
	portUnicastOffset   = 10
)

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Enable()
	}

	// RTPS port mapping: multicast discovery on PB + DG*domain, unicast
	// on an offset above it.
	domainBase := uint16(uint32(cfg.Network.PortBase) + portDomainGain*cfg.Domain.Id)
	tr, err := udp.New(udp.Config{
		Interface:      cfg.Network.Interface,
		UnicastPort:    domainBase + portUnicastOffset,
		MulticastGroup: cfg.Network.MulticastGroup,
		MulticastPort:  domainBase + portMulticastOffset,
	})
	if err != nil {
		return err
	}

	pcfg := participant.DefaultConfig(cfg.Domain.Id)
	pcfg.DomainTag = cfg.Domain.Tag
	pcfg.MetatrafficUnicast = []rtps.Locator{tr.UnicastLocator}
	pcfg.DefaultUnicast = []rtps.Locator{tr.UnicastLocator}
	pcfg.Discovery.ResendPeriod = cfg.Protocol.SpdpResendPeriod
	pcfg.Discovery.SpdpMulticastLocators = []rtps.Locator{tr.MulticastLocator}
	pcfg.Writer.HeartbeatPeriod = cfg.Protocol.HeartbeatPeriod
	pcfg.Writer.DataMaxSizeSerialized = cfg.Protocol.DataMaxSizeSerialized
	pcfg.Writer.FragmentSize = cfg.Protocol.FragmentSize
	pcfg.Reader.HeartbeatResponseDelay = cfg.Protocol.HeartbeatResponseDelay
	pcfg.TickInterval = cfg.Protocol.TickInterval
	pcfg.LeaseDuration = cfg.Protocol.LeaseDuration
	pcfg.Metrics = promMetrics.NewDomainMetrics(nil)

	p := participant.New(pcfg, tr)
	if err := p.Enable(); err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(cfg.API.Address, p, false)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("Introspection API failed", "error", err)
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			logger.Info("Metrics listening", "address", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("DittoDDS started",
		"version", Version,
		"domain", cfg.Domain.Id,
		"guid", p.Guid().String(),
		"unicast", tr.UnicastLocator.String(),
		"multicast", tr.MulticastLocator.String())

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if apiServer != nil {
		_ = apiServer.Shutdown(shutdownCtx)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := p.Delete(); err != nil {
		logger.Warn("Participant teardown failed", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	return nil
}
