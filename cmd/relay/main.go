// Command relay runs the CDP relay server: it accepts WebSocket
// connections from browser extensions (the device side) and from
// Playwright-style CDP clients (the automation side), and brokers CDP
// traffic between them through the registry/router pair in
// internal/registry and internal/router.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wallcrawler/cdp-relay/internal/relay"
	"github.com/wallcrawler/cdp-relay/internal/router"
)

const applicationName = "cdp-relay"

// defaults covers router-internal tuning knobs that have no dedicated
// CLI flag (they're rarely changed in practice); everything with a
// flag gets its default from the flag definition itself via
// v.BindPFlags, not from this map.
var defaults = map[string]interface{}{
	"heartbeatInterval":       "15s",
	"messageTimeout":          "5s",
	"maxQueueSize":            256,
	"max-retries":             3,
	"retryBaseDelay":          "1s",
	"retryMaxDelay":           "30s",
	"circuitFailureThreshold": 5,
	"circuitResetTimeout":     "10s",
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f := pflag.NewFlagSet(applicationName, pflag.ContinueOnError)
	f.Int("port", 8080, "HTTP port to listen on")
	f.String("token", "", "shared bearer token required of clients and devices")
	f.String("jwt-signing-key", "", "HS256 signing key accepting scoped operator tokens on /v2/control")
	f.Int("max-instances", 0, "maximum concurrent registered devices (0 = unbounded)")
	f.Duration("instance-timeout", 5*time.Minute, "idle timeout before an inactive device is evicted")
	f.Duration("inactive-check-interval", 30*time.Second, "how often to sweep for inactive devices")
	f.Duration("heartbeat-interval", 15*time.Second, "expected device heartbeat cadence")
	f.Bool("cdp-logging", false, "log every request/response at the relay layer")
	f.Bool("v2", true, "enable the /v2/device, /v2/cdp/{id}, /v2/control endpoints")

	if err := f.Parse(args); err != nil {
		return err
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if err := v.BindPFlags(f); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	cfg, err := buildConfig(v)
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}

	srv := relay.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("cdp-relay listening on %s (v2=%v)", cfg.Addr, cfg.EnableV2)
	return srv.Run(ctx)
}

func buildConfig(v *viper.Viper) (relay.Config, error) {
	heartbeat := v.GetDuration("heartbeat-interval")
	if heartbeat <= 0 {
		heartbeat = v.GetDuration("heartbeatInterval")
	}

	routerCfg := router.DefaultConfig()
	if d := v.GetDuration("messageTimeout"); d > 0 {
		routerCfg.MessageTimeout = d
	}
	if n := v.GetInt("maxQueueSize"); n > 0 {
		routerCfg.MaxQueueSize = n
	}
	if n := v.GetInt("max-retries"); n > 0 {
		routerCfg.MaxRetries = n
	}
	if d := v.GetDuration("retryBaseDelay"); d > 0 {
		routerCfg.RetryBaseDelay = d
	}
	if d := v.GetDuration("retryMaxDelay"); d > 0 {
		routerCfg.RetryMaxDelay = d
	}
	if n := v.GetInt("circuitFailureThreshold"); n > 0 {
		routerCfg.CircuitFailureThreshold = n
	}
	if d := v.GetDuration("circuitResetTimeout"); d > 0 {
		routerCfg.CircuitResetTimeout = d
	}

	return relay.Config{
		Addr:                  fmt.Sprintf(":%d", v.GetInt("port")),
		Token:                 v.GetString("token"),
		JWTSigningKey:         []byte(v.GetString("jwt-signing-key")),
		HeartbeatInterval:     heartbeat,
		MaxDevices:            v.GetInt("max-instances"),
		InactiveCheckInterval: v.GetDuration("inactive-check-interval"),
		InstanceTimeout:       v.GetDuration("instance-timeout"),
		Router:                routerCfg,
		EnableV2:              v.GetBool("v2"),
		EnableDetailedLogs:    v.GetBool("cdp-logging"),
	}, nil
}
