package outbound

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dowhiz/dowhiz/internal/channel"
)

const installSchema = `
CREATE TABLE IF NOT EXISTS slack_installations (
    team_id TEXT PRIMARY KEY,
    team_name TEXT,
    bot_token TEXT NOT NULL,
    bot_user_id TEXT,
    installed_at TIMESTAMP NOT NULL
);
`

// Installation is one workspace's Slack OAuth install.
type Installation struct {
	TeamID      string
	TeamName    string
	BotToken    string
	BotUserID   string
	InstalledAt time.Time
}

// InstallStore persists Slack installations in a SQLite file. It resolves
// bot credentials per team, falling back to the SLACK_BOT_TOKEN and
// SLACK_BOT_USER_ID environment for single-workspace deployments, and
// satisfies the Slack adapter's token source.
type InstallStore struct {
	db *sql.DB
}

// OpenInstallStore opens (and migrates) the store at path.
func OpenInstallStore(path string) (*InstallStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create install store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open install store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(installSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate install store: %w", err)
	}
	return &InstallStore{db: db}, nil
}

// Close closes the backing database.
func (s *InstallStore) Close() error { return s.db.Close() }

// Upsert inserts or replaces the installation for its team.
func (s *InstallStore) Upsert(inst Installation) error {
	if inst.TeamID == "" || inst.BotToken == "" {
		return fmt.Errorf("installation needs team_id and bot_token")
	}
	installedAt := inst.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
        INSERT INTO slack_installations (team_id, team_name, bot_token, bot_user_id, installed_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(team_id) DO UPDATE SET
            team_name = excluded.team_name,
            bot_token = excluded.bot_token,
            bot_user_id = excluded.bot_user_id,
            installed_at = excluded.installed_at`,
		inst.TeamID, inst.TeamName, inst.BotToken, inst.BotUserID, installedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert installation: %w", err)
	}
	return nil
}

// Get returns the installation for teamID.
func (s *InstallStore) Get(teamID string) (Installation, bool, error) {
	var (
		inst     Installation
		teamName sql.NullString
		botUser  sql.NullString
	)
	err := s.db.QueryRow(`
        SELECT team_id, team_name, bot_token, bot_user_id, installed_at
        FROM slack_installations WHERE team_id = ?`, teamID,
	).Scan(&inst.TeamID, &teamName, &inst.BotToken, &botUser, &inst.InstalledAt)
	if err == sql.ErrNoRows {
		return Installation{}, false, nil
	}
	if err != nil {
		return Installation{}, false, fmt.Errorf("get installation: %w", err)
	}
	inst.TeamName = teamName.String
	inst.BotUserID = botUser.String
	return inst, true, nil
}

// List returns every installation, oldest first.
func (s *InstallStore) List() ([]Installation, error) {
	rows, err := s.db.Query(`
        SELECT team_id, team_name, bot_token, bot_user_id, installed_at
        FROM slack_installations ORDER BY installed_at`)
	if err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}
	defer rows.Close()

	var installs []Installation
	for rows.Next() {
		var (
			inst     Installation
			teamName sql.NullString
			botUser  sql.NullString
		)
		if err := rows.Scan(&inst.TeamID, &teamName, &inst.BotToken, &botUser, &inst.InstalledAt); err != nil {
			return nil, fmt.Errorf("scan installation: %w", err)
		}
		inst.TeamName = teamName.String
		inst.BotUserID = botUser.String
		installs = append(installs, inst)
	}
	return installs, rows.Err()
}

// BotToken resolves the bot token for a team, falling back to SLACK_BOT_TOKEN.
func (s *InstallStore) BotToken(teamID string) (string, error) {
	if teamID != "" {
		inst, ok, err := s.Get(teamID)
		if err != nil {
			return "", err
		}
		if ok {
			return inst.BotToken, nil
		}
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		return token, nil
	}
	return "", channel.ConfigErrorf("no Slack installation for team %q and SLACK_BOT_TOKEN not set", teamID)
}

// BotUserID resolves the bot user id for a team, falling back to
// SLACK_BOT_USER_ID. An empty result is not an error: suppression then
// relies on the platform bot flags alone.
func (s *InstallStore) BotUserID(teamID string) (string, error) {
	if teamID != "" {
		inst, ok, err := s.Get(teamID)
		if err != nil {
			return "", err
		}
		if ok && inst.BotUserID != "" {
			return inst.BotUserID, nil
		}
	}
	return os.Getenv("SLACK_BOT_USER_ID"), nil
}
