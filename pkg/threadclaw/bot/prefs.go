package bot

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// UserPrefs are the per-user settings consumed by the command router and
// the tool-permission UI.
type UserPrefs struct {
	UserID  string
	Persona string
	Model   string
	Bypass  bool
}

// PrefsStore persists per-user preferences in SQLite.
type PrefsStore struct {
	db *sql.DB
}

const prefsSchema = `
CREATE TABLE IF NOT EXISTS user_prefs (
    user_id TEXT PRIMARY KEY,
    persona TEXT NOT NULL DEFAULT '',
    model   TEXT NOT NULL DEFAULT '',
    bypass  INTEGER NOT NULL DEFAULT 0
);`

// OpenPrefsStore opens (and migrates) the preferences database at path.
func OpenPrefsStore(path string) (*PrefsStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bot: creating prefs dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("bot: opening prefs db: %w", err)
	}
	if _, err := db.Exec(prefsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bot: migrating prefs db: %w", err)
	}
	return &PrefsStore{db: db}, nil
}

// Close releases the database handle.
func (p *PrefsStore) Close() error { return p.db.Close() }

// Get returns the user's preferences, zero-valued when unset.
func (p *PrefsStore) Get(userID string) (UserPrefs, error) {
	prefs := UserPrefs{UserID: userID}
	var bypass int
	err := p.db.QueryRow(
		`SELECT persona, model, bypass FROM user_prefs WHERE user_id = ?`, userID,
	).Scan(&prefs.Persona, &prefs.Model, &bypass)
	if err == sql.ErrNoRows {
		return prefs, nil
	}
	if err != nil {
		return prefs, fmt.Errorf("bot: reading prefs: %w", err)
	}
	prefs.Bypass = bypass != 0
	return prefs, nil
}

// SetPersona stores the user's prompt persona.
func (p *PrefsStore) SetPersona(userID, persona string) error {
	return p.upsert(userID, "persona", persona)
}

// SetModel stores the user's preferred model.
func (p *PrefsStore) SetModel(userID, model string) error {
	return p.upsert(userID, "model", model)
}

// ToggleBypass flips the permission-bypass flag and returns the new value.
func (p *PrefsStore) ToggleBypass(userID string) (bool, error) {
	prefs, err := p.Get(userID)
	if err != nil {
		return false, err
	}
	next := 0
	if !prefs.Bypass {
		next = 1
	}
	_, err = p.db.Exec(`
		INSERT INTO user_prefs (user_id, bypass) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET bypass = excluded.bypass`,
		userID, next)
	if err != nil {
		return false, fmt.Errorf("bot: toggling bypass: %w", err)
	}
	return next != 0, nil
}

func (p *PrefsStore) upsert(userID, column, value string) error {
	// column comes from a fixed internal set, never user input.
	query := fmt.Sprintf(`
		INSERT INTO user_prefs (user_id, %s) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET %s = excluded.%s`,
		column, column, column)
	if _, err := p.db.Exec(query, userID, value); err != nil {
		return fmt.Errorf("bot: writing prefs: %w", err)
	}
	return nil
}
