package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehconitin/twenty/internal/config"
	"github.com/ehconitin/twenty/internal/engine/role"
	"github.com/ehconitin/twenty/internal/server"
)

var (
	tokenWorkspace string
	tokenRoles     []string
	tokenTTL       time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <principal-id>",
	Short: "Issue an access token for a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		roleIDs := make([]uuid.UUID, 0, len(tokenRoles))
		for _, raw := range tokenRoles {
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("malformed role id %q: %w", raw, err)
			}
			roleIDs = append(roleIDs, id)
		}
		tokens := server.NewTokenService(cfg.Auth.JWTSecret, tokenTTL)
		signed, err := tokens.Generate(role.Principal{
			ID:          args[0],
			WorkspaceID: tokenWorkspace,
			RoleIDs:     roleIDs,
		})
		if err != nil {
			return err
		}
		fmt.Println(signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenWorkspace, "workspace", "w", "", "workspace id (required)")
	tokenCmd.Flags().StringSliceVarP(&tokenRoles, "role", "r", nil, "role id, repeatable")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("workspace")
}
