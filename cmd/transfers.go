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
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// transferCommands exposes operator actions without going through the HTTP API.
func transferCommands(r *rosterInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "inspect and operate on club transfers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <transfer-id>",
		Short: "print a transfer with its step trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rec, err := r.roster.GetTransfer(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := r.roster.GetStepLogs(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"transfer": rec, "steps": steps})
		},
	})

	var requestedBy string
	rollback := &cobra.Command{
		Use:   "rollback <transfer-id>",
		Short: "roll a transfer back inside its rollback window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := r.roster.RollbackTransfer(context.Background(), args[0], requestedBy)
			if err != nil {
				return err
			}
			logrus.WithField("transfer_id", rec.TransferID).Info("transfer rolled back")
			return printJSON(rec)
		},
	}
	rollback.Flags().StringVar(&requestedBy, "by", "", "operator requesting the rollback")
	_ = rollback.MarkFlagRequired("by")
	cmd.AddCommand(rollback)

	cmd.AddCommand(&cobra.Command{
		Use:   "run <transfer-id>",
		Short: "run a pending transfer in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := r.roster.RunTransfer(context.Background(), args[0])
			if rec != nil {
				if printErr := printJSON(rec); printErr != nil {
					return printErr
				}
			}
			return err
		},
	})

	return cmd
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
