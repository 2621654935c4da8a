package user

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// UserDB is an in-memory, JSON-file-backed account store keyed by login
// name, adapted from the teacher's user_db.go. It additionally answers
// "does this address have a local mailbox" for RCPT TO policy, since the
// demo embedder needs both an AUTH store and a delivery-acceptance store.
type UserDB struct {
	Users map[string]User
}

// UserExists checks if a user exists in the DB.
func (db *UserDB) UserExists(name string) bool {
	_, found := db.Users[name]
	return found
}

// Get returns the account for name.
func (db *UserDB) Get(name string) (*User, error) {
	if u, found := db.Users[name]; found {
		return &u, nil
	}
	return nil, errors.New("user not found")
}

// ByAddress looks up an account by its mailbox address, case-insensitive,
// for RCPT TO acceptance decisions.
func (db *UserDB) ByAddress(address string) (*User, bool) {
	for _, u := range db.Users {
		if strings.EqualFold(u.Address, address) {
			return &u, true
		}
	}
	return nil, false
}

// Add adds user to the database.
func (db *UserDB) Add(u User) error {
	if db.Users == nil {
		db.Users = make(map[string]User)
	}
	if db.UserExists(u.Name) {
		return errors.New("user already exists")
	}
	db.Users[u.Name] = u
	return nil
}

// SaveDB writes the database to file as indented JSON.
func (db *UserDB) SaveDB(file string) error {
	output, err := json.MarshalIndent(db, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(file, output, 0644)
}

// LoadDB reads the database from file.
func LoadDB(file string) (*UserDB, error) {
	input, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	db := UserDB{}
	if err := json.Unmarshal(input, &db); err != nil {
		return nil, err
	}
	return &db, nil
}
