package share

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tandem-dev/tandem/cmd/util"
	"github.com/tandem-dev/tandem/pkg/blob/s3"
	"github.com/tandem-dev/tandem/pkg/cache"
	"github.com/tandem-dev/tandem/pkg/config"
	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/host"
	"github.com/tandem-dev/tandem/pkg/session/ws"
	"github.com/tandem-dev/tandem/pkg/sync"
)

type shareCmd struct {
	collabDir  string
	projectDir string
	shareWith  []string
}

// New creates a new `share` command.
func New() *cobra.Command {
	var cmd shareCmd
	cobraCmd := &cobra.Command{
		Use:   "share [path_to_project]",
		Short: "Share a project in a collaboration session",
		Long: `Connect the project to its collaboration session and synchronize files
until interrupted.

The first participant becomes the host: it uploads the project's files and
keeps the shared copies up to date. Later participants join as guests and
receive a read-through mirror of the project.

If no project path is provided, "share" uses the current directory.`,
		Run: func(_ *cobra.Command, args []string) {
			if len(args) > 0 {
				cmd.projectDir = args[0]
			}
			if err := cmd.run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cobraCmd.Flags().StringVar(&cmd.collabDir, "collab", "",
		"Path to the shared collaboration directory (required)")
	cobraCmd.Flags().StringSliceVar(&cmd.shareWith, "with", nil,
		"Principals to grant access to the project's remote storage")
	return cobraCmd
}

func (cmd *shareCmd) run() error {
	userConfig, err := config.ParseUser()
	if err != nil {
		return err
	}
	if cmd.collabDir == "" {
		return errors.NewFriendlyError(
			"The --collab flag is required. Point it at the directory shared " +
				"with your collaborators.")
	}

	collabDir, err := filepath.Abs(cmd.collabDir)
	if err != nil {
		return errors.WithContext(err, "resolve collaboration directory")
	}

	if cmd.projectDir == "" {
		cmd.projectDir = "."
	}
	projectDir, err := filepath.Abs(cmd.projectDir)
	if err != nil {
		return errors.WithContext(err, "resolve project directory")
	}

	watcher, err := config.WatchProject(projectDir)
	if err != nil {
		cause := errors.RootCause(err)
		if fnf, ok := cause.(errors.FileNotFound); ok {
			return errors.NewFriendlyError("Project config not found at %q. "+
				"Create a %s file naming the project and its ignore rules.",
				fnf.Path, config.ProjectConfigName)
		}
		return errors.WithContext(err, "parse project config")
	}
	defer watcher.Close()

	project := watcher.Project()
	projectCache, err := cache.Open(project.Name)
	if err != nil {
		return errors.WithContext(err, "open project cache")
	}

	ctx := context.Background()
	storageCfg := userConfig.Storage
	storageCfg.Prefix = path.Join(storageCfg.Prefix, project.Name)
	store, err := s3.New(ctx, s3.Config(storageCfg))
	if err != nil {
		return errors.WithContext(err, "connect to project storage")
	}

	for _, principal := range cmd.shareWith {
		if err := store.Share(ctx, principal); err != nil {
			return errors.WithContext(err, "share project storage")
		}
	}

	transport := &ws.Transport{
		Relay:            userConfig.Relay,
		HandshakeTimeout: 10 * time.Second,
	}

	engine := sync.New(afero.NewOsFs(), projectDir, collabDir, watcher.Files)
	coordinator := host.New(store, transport, engine, projectCache,
		clockwork.NewRealClock(), host.DefaultOptions)

	if err := coordinator.Connect(ctx); err != nil {
		return errors.WithContext(err, "connect")
	}

	fmt.Printf("Sharing %q via %s. Press Ctrl+C to stop.\n",
		project.Name, coordinator.SessionURL())

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	log.Info("Disconnecting from collaboration session")
	if err := coordinator.Disconnect(ctx); err != nil {
		return errors.WithContext(err, "disconnect")
	}
	return nil
}
