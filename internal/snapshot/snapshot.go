// Package snapshot persists the full in-memory state to a sqlite file as
// four key-value document tables, and restores it at startup. The snapshot
// is private to this process; its layout is not a wire contract.
package snapshot

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"

	"github.com/emberchat/ember/internal/models"
)

// State is a point-in-time copy of every store's contents.
type State struct {
	Users    []models.User
	Groups   []models.Group
	Sessions []models.Session
	Messages map[string][]models.Message
}

// Store writes and reads snapshots. Callers collect State out of the live
// stores first, so no store lock is ever held across a disk write.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS user_docs (
		key TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_docs (
		key TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_docs (
		key TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_docs (
		key TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save overwrites the previous snapshot with the given state in a single
// transaction, so a crash mid-write leaves the old snapshot intact.
func (s *Store) Save(st State) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"user_docs", "group_docs", "session_docs", "message_docs"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, u := range st.Users {
		if err := insertDoc(tx, "user_docs", u.UserID, u); err != nil {
			return err
		}
	}
	for _, g := range st.Groups {
		if err := insertDoc(tx, "group_docs", g.GroupID, g); err != nil {
			return err
		}
	}
	for _, sess := range st.Sessions {
		if err := insertDoc(tx, "session_docs", sess.SessionID, sess); err != nil {
			return err
		}
	}
	for groupID, msgs := range st.Messages {
		if err := insertDoc(tx, "message_docs", groupID, msgs); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"users":    len(st.Users),
		"groups":   len(st.Groups),
		"sessions": len(st.Sessions),
	}).Debug("snapshot saved")
	return nil
}

func insertDoc(tx *sql.Tx, table, key string, v interface{}) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	if _, err := tx.Exec("INSERT INTO "+table+" (key, doc) VALUES (?, ?)", key, doc); err != nil {
		return fmt.Errorf("write %s/%s: %w", table, key, err)
	}
	return nil
}

// Restore loads the previous snapshot. An empty snapshot file is a cold
// start, reported via found=false, not an error.
func (s *Store) Restore() (st State, found bool, err error) {
	st.Messages = make(map[string][]models.Message)

	err = readDocs(s.db, "user_docs", func(key string, doc []byte) error {
		var u models.User
		if err := json.Unmarshal(doc, &u); err != nil {
			return err
		}
		st.Users = append(st.Users, u)
		return nil
	})
	if err != nil {
		return State{}, false, err
	}

	err = readDocs(s.db, "group_docs", func(key string, doc []byte) error {
		var g models.Group
		if err := json.Unmarshal(doc, &g); err != nil {
			return err
		}
		st.Groups = append(st.Groups, g)
		return nil
	})
	if err != nil {
		return State{}, false, err
	}

	err = readDocs(s.db, "session_docs", func(key string, doc []byte) error {
		var sess models.Session
		if err := json.Unmarshal(doc, &sess); err != nil {
			return err
		}
		st.Sessions = append(st.Sessions, sess)
		return nil
	})
	if err != nil {
		return State{}, false, err
	}

	err = readDocs(s.db, "message_docs", func(key string, doc []byte) error {
		var msgs []models.Message
		if err := json.Unmarshal(doc, &msgs); err != nil {
			return err
		}
		st.Messages[key] = msgs
		return nil
	})
	if err != nil {
		return State{}, false, err
	}

	found = len(st.Users) > 0 || len(st.Groups) > 0 ||
		len(st.Sessions) > 0 || len(st.Messages) > 0
	return st, found, nil
}

func readDocs(db *sql.DB, table string, each func(key string, doc []byte) error) error {
	rows, err := db.Query("SELECT key, doc FROM " + table)
	if err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if err := each(key, doc); err != nil {
			return fmt.Errorf("decode %s/%s: %w", table, key, err)
		}
	}
	return rows.Err()
}
