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
	"log"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/rosterhq/roster"
	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/database"
)

const migrationSchema = "roster"

func migrateCommands(_ *rosterInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run roster database migrations",
	}

	cmd.AddCommand(migrateCommand("up", migrate.Up))
	cmd.AddCommand(migrateCommand("down", migrate.Down))
	return cmd
}

// migrateCommand applies the embedded sql/ migrations in the given direction. Down
// rolls back a single migration at a time.
func migrateCommand(use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: roster.SQLFiles,
				Root:       "sql",
			}

			cnf, err := config.Fetch()
			if err != nil {
				log.Printf("Error fetching config: %v", err)
				return
			}

			db, err := database.ConnectDB(cnf.DataSource.Dns)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			migrate.SetSchema(migrationSchema)

			limit := 0
			if direction == migrate.Down {
				limit = 1
			}
			n, err := migrate.ExecMax(db, "postgres", migrations, direction, limit)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf("Applied %d migrations %s!\n", n, use)
		},
	}
}
