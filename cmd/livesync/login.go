package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/livelog-app/livesync"
)

var (
	loginUserID string
	loginName   string
	loginAvatar string
	loginToken  string
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "Account id (required)")
	loginCmd.Flags().StringVar(&loginName, "name", "", "Display name (required)")
	loginCmd.Flags().StringVar(&loginAvatar, "avatar", "", "Avatar URL")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Access token issued by the backend")
	_ = loginCmd.MarkFlagRequired("user-id")
	_ = loginCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and mount your collections",
	Long:  "Store the access token, sign in as the given user and fetch the first page of lives.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if loginToken != "" {
			cfg.Auth.AccessToken = loginToken
		}
		cfg.Auth.UserID = loginUserID
		cfg.Auth.Name = loginName
		cfg.Auth.Avatar = loginAvatar
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		user := &livesync.User{ID: loginUserID, Name: loginName, Avatar: loginAvatar}
		if err := a.syncer.Session().SignIn(ctx, user); err != nil {
			return fmt.Errorf("sign in failed: %s", describe(err))
		}
		if err := a.syncer.RefreshAll(ctx); err != nil {
			fmt.Printf("Signed in as %s, but the first sync failed: %s\n", user.Name, describe(err))
			return nil
		}
		a.syncer.Wait()

		mine := a.syncer.Events(livesync.CollectionMine).Snapshot()
		fmt.Printf("Signed in as %s (%s)\n", user.Name, user.ID)
		fmt.Printf("  Your lives: %d\n", len(mine.Items))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear local data for the current user",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		a.syncer.Session().SignOut()
		a.Close()

		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
