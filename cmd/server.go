/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rosterhq/roster/api"
	"github.com/rosterhq/roster/config"
	trace "github.com/rosterhq/roster/internal/traces"
)

const certStoragePath = "./certmagic"

/*
serveTLS starts an HTTPS server with certificates managed by CertMagic.
Without a configured domain it falls back to localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: certStoragePath}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		logrus.Info("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + conf.Port,
		Handler:           r,
		TLSConfig:         cfg.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.Infof("Starting HTTPS server on %s", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTPS server: %w", err)
	}
	return nil
}

// sendHeartbeat reports liveness to PostHog every five minutes.
func sendHeartbeat(client posthog.Client, heartbeatID, component string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "roster_heartbeat",
				Properties: posthog.NewProperties().
					Set("component", component).
					Set("timestamp", time.Now().UTC()),
			}); err != nil {
				logrus.WithError(err).Warn("Failed to send heartbeat")
			}
		}
	}()
}

func initializeRouter(r *rosterInstance) (*gin.Engine, error) {
	a := api.NewAPI(r.roster)
	if a == nil {
		return nil, fmt.Errorf("api: configuration is not loaded")
	}
	return a.Router(), nil
}

func initializePostHog(key, component string) posthog.Client {
	if key == "" {
		return nil
	}
	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: "https://us.i.posthog.com"})
	if err != nil {
		logrus.WithError(err).Warn("PostHog disabled")
		return nil
	}
	sendHeartbeat(client, uuid.New().String(), component)
	return client
}

// initializeObservability sets up tracing and telemetry. The returned shutdown is never nil.
func initializeObservability(ctx context.Context, cfg *config.Configuration, component string) (posthog.Client, func(context.Context) error, error) {
	if !cfg.Telemetry.Enable {
		return nil, func(context.Context) error { return nil }, nil
	}

	shutdown, err := trace.SetupOTelSDK(ctx, "ROSTER")
	if err != nil {
		return nil, nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return initializePostHog(cfg.Telemetry.PosthogKey, component), shutdown, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	logrus.Infof("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

func serverCommands(r *rosterInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start roster server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			phClient, shutdown, err := initializeObservability(ctx, r.cnf, "server")
			if err != nil {
				logrus.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					logrus.WithError(err).Error("Error during shutdown")
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			router, err := initializeRouter(r)
			if err != nil {
				logrus.Fatal(err)
			}
			if err := startServer(router, r.cnf.Server); err != nil {
				logrus.Fatal(err)
			}
		},
	}

	return cmd
}
