// Package config loads the demo embedder's JSON configuration, adapted
// from the teacher's helpers.DecodeFile and extended from its two-field
// Config{Port,Hostname} to the subset of smtp.Config listed in File.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DecodeFile parses the JSON file at fileName into object, the teacher's
// generic helper unchanged in behavior.
func DecodeFile(fileName string, object interface{}) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("could not open file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(object); err != nil {
		return fmt.Errorf("could not parse file: %w", err)
	}
	return nil
}

// File is the on-disk shape of the demo's configuration: the listen
// address, TLS material paths, and the smtp.Config fields that make
// sense to expose as JSON (the Handlers/Logger fields are wired in code,
// not loaded from disk).
type File struct {
	ListenAddr string `json:"listenAddr"`
	TLSCert    string `json:"tlsCert"`
	TLSKey     string `json:"tlsKey"`

	ServerName     string   `json:"serverName"`
	Banner         string   `json:"banner"`
	LMTP           bool     `json:"lmtp"`
	AuthMethods    []string `json:"authMethods"`
	AuthOptional   bool     `json:"authOptional"`
	AllowInsecureAuth bool  `json:"allowInsecureAuth"`
	SizeLimitBytes int64    `json:"sizeLimitBytes"`
	MaxConnections int      `json:"maxConnections"`
	ReverseDNS     bool     `json:"reverseDns"`
	TrustXClient   bool     `json:"trustXClient"`
	TrustXForward  bool     `json:"trustXForward"`

	UsersFile string `json:"usersFile"`
}

// Load reads and decodes fileName into a File.
func Load(fileName string) (*File, error) {
	f := &File{}
	if err := DecodeFile(fileName, f); err != nil {
		return nil, err
	}
	return f, nil
}
