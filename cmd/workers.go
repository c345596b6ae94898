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

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/rosterhq/roster"
	"github.com/rosterhq/roster/config"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weights transfer runs above expiry ticks.
func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.TransferQueue: 3,
		cfg.Queue.ExpiryQueue:   1,
	}
}

func initializeWorkerServer(conf *config.Configuration) *asynq.Server {
	return asynq.NewServer(
		roster.RedisConnOpt(conf),
		asynq.Config{
			Concurrency: conf.Queue.Concurrency,
			Queues:      initializeQueues(conf),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logrus.WithFields(logrus.Fields{
					"task":    task.Type(),
					"retried": retried,
					"max":     maxRetry,
				}).WithError(err).Error("task failed")
			}),
			ShutdownTimeout: 30 * time.Second,
		},
	)
}

func startMonitoring(conf *config.Configuration) {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: roster.RedisConnOpt(conf),
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		logrus.Infof("Asynqmon server listening on %s/monitoring", monitoringAddr)
		server := &http.Server{Addr: monitoringAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
		if err := server.ListenAndServe(); err != nil {
			logrus.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands runs transfer pipelines and rollback-window expiry from the queues.
func workerCommands(r *rosterInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start roster workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := r.cnf

			phClient, shutdown, err := initializeObservability(ctx, conf, "workers")
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

			srv := initializeWorkerServer(conf)
			startMonitoring(conf)

			if err := srv.Run(roster.NewTaskHandler(r.roster)); err != nil {
				logrus.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
