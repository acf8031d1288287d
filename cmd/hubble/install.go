package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cbs-imaging/hubble/pkg/config"
	daemonutils "github.com/cbs-imaging/hubble/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:         "install",
		Short:       "Install hubble daemon (system-wide)",
		GroupID:     gInstallation,
		Annotations: offline,
		Long: `Install hubble daemon as a systemd service (system-wide).

This makes the daemon run in the background and start on boot, so scheduled
acquisitions run without anyone logged in. You must run this command as root.

By default, only root user is allowed to access the daemon. Use the
--allow-non-root-access flag to let the microscope users control runs
without sudo.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(afero.NewOsFs(), configPath)
			if err != nil {
				return err
			}
			if err := conf.Validate(); err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the hubble daemon.")
			} else {
				logrus.Info("only root user is allowed to access the hubble daemon.")
			}

			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(configPath, unixSocketPath)
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use the current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run `hubble install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access hubble daemon.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "uninstall",
		Short:       "Uninstall hubble daemon (system-wide)",
		GroupID:     gInstallation,
		Annotations: offline,
		Long: `Uninstall hubble daemon from systemd (system-wide).

This stops the daemon, which aborts a running acquisition and restores the
instruments, and removes the service.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			fmt.Println("successfully uninstalled")

			cmd.Printf("Your config is kept in %s, in case you want to use `hubble' again. Acquired data is never removed.\n", configPath)

			return nil
		},
	}

	return cmd
}
