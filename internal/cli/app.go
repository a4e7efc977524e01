// Package cli implements the vouchersync command line: the composition root
// that wires config, key derivation, storage and the sync orchestrator, and
// the cobra commands on top of it.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"vouchersync/internal/config"
	"vouchersync/internal/cryptox"
	"vouchersync/internal/logging"
	"vouchersync/internal/models"
	"vouchersync/internal/remote"
	"vouchersync/internal/session"
	"vouchersync/internal/storage"
	"vouchersync/internal/syncer"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// companiesFile is the connection directory: the list of companies this
// installation may sync, maintained outside the tool.
const companiesFile = "companies.json"

// App holds everything a command needs once Connect has run.
type App struct {
	cfg  *config.Config
	log  logging.Logger
	out  io.Writer
	sess session.Session

	store        *storage.Store
	orchestrator *syncer.Orchestrator
	companies    []models.CompanyInfo
}

// Connect authenticates the session, derives the user's cache key, opens the
// storage backend and starts the orchestrator. Commands call it once from
// their RunE.
func (a *App) Connect(ctx context.Context) error {
	sess, err := a.resolveSession()
	if err != nil {
		return err
	}
	a.sess = sess

	ks, err := cryptox.NewKeyStore(filepath.Join(a.cfg.DataDir, "salts"))
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	key, err := ks.DeriveKey(sess.UserID)
	if err != nil {
		return fmt.Errorf("derive user key: %w", err)
	}

	store, err := storage.Open(ctx, a.cfg.DataDir, key, a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	companies, err := loadCompanies(filepath.Join(a.cfg.DataDir, companiesFile))
	if err != nil {
		_ = store.Close()
		return err
	}
	a.companies = companies

	a.orchestrator = syncer.NewOrchestrator(store, remote.NewClient(a.cfg.Endpoint), sess, a.cfg, a.log)
	return nil
}

// Close stops the orchestrator and releases the storage backend.
func (a *App) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Stop()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// resolveSession reads the user id and auth token from the environment,
// prompting for the token on the terminal when it is not set.
func (a *App) resolveSession() (session.Session, error) {
	user := os.Getenv("VOUCHERSYNC_USER")
	if user == "" {
		return session.Session{}, errors.New("VOUCHERSYNC_USER is not set")
	}
	token := os.Getenv("VOUCHERSYNC_TOKEN")
	if token == "" {
		fmt.Fprint(a.out, "Auth token: ")
		raw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(a.out)
		if err != nil {
			return session.Session{}, fmt.Errorf("read auth token: %w", err)
		}
		token = string(raw)
	}

	s := session.Session{UserID: user, AuthToken: token}
	if !s.Valid() {
		return session.Session{}, errors.New("user id and auth token are required")
	}
	return s, nil
}

// loadCompanies reads the connection directory file.
func loadCompanies(path string) ([]models.CompanyInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read company directory %s: %w", path, err)
	}
	var companies []models.CompanyInfo
	if err := json.Unmarshal(data, &companies); err != nil {
		return nil, fmt.Errorf("parse company directory %s: %w", path, err)
	}
	for _, c := range companies {
		if !c.Valid() {
			return nil, fmt.Errorf("company directory entry %q is incomplete", c.CompanyID)
		}
	}
	return companies, nil
}

// findCompany resolves a companyId argument against the directory. An empty
// id is allowed when the directory holds exactly one company.
func (a *App) findCompany(companyID string) (models.CompanyInfo, error) {
	if companyID == "" {
		if len(a.companies) == 1 {
			return a.companies[0], nil
		}
		return models.CompanyInfo{}, fmt.Errorf("company id required, directory holds %d companies", len(a.companies))
	}
	for _, c := range a.companies {
		if c.CompanyID == companyID {
			return c, nil
		}
	}
	return models.CompanyInfo{}, fmt.Errorf("company %q not found in directory", companyID)
}

// printProgress renders one progress event as a status line.
func (a *App) printProgress(ev models.ProgressEvent) {
	if ev.Total > 0 {
		fmt.Fprintf(a.out, "[%d/%d] %s\n", ev.Current, ev.Total, ev.Message)
		return
	}
	fmt.Fprintf(a.out, "%s\n", ev.Message)
}
