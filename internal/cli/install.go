package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pkgerrors "github.com/minipm/minipm/pkg/errors"
	"github.com/minipm/minipm/pkg/httputil"
	"github.com/minipm/minipm/pkg/installer"
	"github.com/minipm/minipm/pkg/lockfile"
	"github.com/minipm/minipm/pkg/manifest"
	"github.com/minipm/minipm/pkg/registry"
)

// installOpts holds the command-line flags for the install command.
type installOpts struct {
	registryURL string // override the registry base URL
	workers     int    // parallel sibling downloads (1 = sequential)
	refresh     bool   // bypass the metadata cache
	noSpinner   bool   // disable the progress spinner
}

// newInstallCmd creates the install command.
//
// Install reads package.json and minipm-lock.json from the working
// directory, reconciles every direct dependency (reusing lock entries
// whose version still satisfies the requested range, resolving the rest
// against the registry), and writes the updated lock file back. The lock
// write happens even when a dependency failed, so completed work is not
// lost; installed files are never rolled back.
func newInstallCmd() *cobra.Command {
	var opts installOpts

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install dependencies declared in package.json",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runInstall(c.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.registryURL, "registry", "", "registry base URL (default from .minipm.toml or registry.npmjs.org)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "parallel sibling downloads (default from .minipm.toml, 1 = sequential)")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "bypass the registry metadata cache")
	cmd.Flags().BoolVar(&opts.noSpinner, "no-spinner", false, "disable the progress spinner")

	return cmd
}

func runInstall(ctx context.Context, opts installOpts) error {
	logger := loggerFromContext(ctx)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.registryURL != "" {
		cfg.Registry = opts.registryURL
	}
	if opts.workers > 0 {
		cfg.Workers = opts.workers
	}

	m, err := manifest.Load(manifest.Path)
	if err != nil {
		return err
	}
	if len(m.Dependencies) == 0 {
		logger.Info("No dependencies to install")
		return nil
	}

	lock, err := lockfile.Load(lockfile.Path)
	if err != nil {
		return err
	}

	cache, err := httputil.NewCache("", cfg.CacheTTL.Duration)
	if err != nil {
		logger.Warnf("Metadata cache disabled: %v", err)
		cache = nil
	}

	inst := installer.New(registry.NewClient(cfg.Registry, cache), lock, installer.Options{
		Workers: cfg.Workers,
		Refresh: opts.refresh,
		Logger:  logger,
	})

	var sp *spinner
	if !opts.noSpinner {
		sp = newSpinner(ctx, fmt.Sprintf("Installing %d dependencies...", len(m.Dependencies)))
		sp.start()
	}

	prog := newProgress(logger)
	installErr := inst.Install(ctx, m.Dependencies, installer.NodeModulesDir)
	if sp != nil {
		sp.stop()
	}

	// The lock is persisted whatever happened above: receipts for
	// completed branches must survive a failed sibling.
	if err := lock.Save(); err != nil {
		if installErr != nil {
			logger.Errorf("Lock file not written: %v", pkgerrors.UserMessage(err))
		} else {
			installErr = err
		}
	}

	if installErr != nil {
		if errors.Is(installErr, context.Canceled) {
			return installErr
		}
		printError("Install failed: %s", pkgerrors.UserMessage(installErr))
		return installErr
	}

	prog.done(fmt.Sprintf("Installed %d packages", inst.Installed()))
	printSuccess("%d dependencies up to date", len(m.Dependencies))
	printDetail("lock file: %s (%d entries)", lockfile.Path, lock.Len())
	return nil
}
