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
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rosterhq/roster"
	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/database"
)

// Roster wraps the root cobra command.
type Roster struct {
	cmd *cobra.Command
}

// rosterInstance carries the runtime service and its configuration into subcommands.
type rosterInstance struct {
	roster *roster.Roster
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file and builds the Roster before any subcommand runs.
func preRun(app *rosterInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			logrus.Fatalf("error loading config: %v", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		r, err := setupRoster(cnf)
		if err != nil {
			logrus.Fatal(err)
		}

		app.roster = r
		app.cnf = cnf
		return nil
	}
}

func setupRoster(cfg *config.Configuration) (*roster.Roster, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	r, err := roster.NewRoster(db)
	if err != nil {
		return nil, fmt.Errorf("error creating roster: %v", err)
	}
	return r, nil
}

func NewCLI() *Roster {
	var configFile string
	r := &rosterInstance{}

	var rootCmd = &cobra.Command{
		Use:   "roster",
		Short: "Club transfers between tenants with audited rollback",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./roster.json", "Configuration file for roster")
	rootCmd.PersistentPreRunE = preRun(r, &configFile)

	rootCmd.AddCommand(serverCommands(r))
	rootCmd.AddCommand(workerCommands(r))
	rootCmd.AddCommand(migrateCommands(r))
	rootCmd.AddCommand(transferCommands(r))
	rootCmd.AddCommand(configCommands())

	return &Roster{cmd: rootCmd}
}

func (w Roster) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
