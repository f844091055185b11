package main

import (
	"encoding/json"
	"errors"
	"os"
)

type InitCfg struct{}

type Config struct {
	InitCfgCmd *InitCfg `arg:"subcommand:initcfg" json:"-" help:"write the configuration file from the given flags"`
	Listen     string   `arg:"-l,--listen" default:"127.0.0.1:3335" json:"listen" help:"network address of the status API"`
	Profile    string   `arg:"-p,--profile" json:"-" default:"outboxr" help:"profile name to use for storage"`
	// Relays are connected for reading and writing.
	Relays []string `arg:"-r,--relay,separate" json:"relays" help:"relays to read from and write to"`
	// ReadRelays are only read from.
	ReadRelays []string `arg:"--read,separate" json:"read_relays" help:"relays to only read from"`
	// WriteRelays are only published to.
	WriteRelays []string `arg:"--write,separate" json:"write_relays" help:"relays to only publish to"`
	SecKey      string   `arg:"-s,--seckey" json:"seckey" help:"secret key used to answer NIP-42 auth challenges"`
	// Follow are the pubkeys whose notes are followed live.
	Follow        []string `arg:"-f,--follow,separate" json:"follow" help:"public keys whose notes to follow"`
	FollowGraph   bool     `arg:"-g,--graph" json:"follow_graph" help:"build the follow graph from follow lists"`
	CheckSigs     bool     `arg:"--checksigs" json:"check_sigs" help:"verify ids and signatures of received events"`
	DisableOutbox bool     `arg:"--nooutbox" json:"disable_outbox" help:"query the configured relays only, not the authors' relays"`
	LogLevel      string   `arg:"--loglevel" default:"info" json:"log_level" help:"set log level [off,fatal,error,warn,info,debug,trace] (can also use GODEBUG environment variable)"`
}

func (c *Config) Save(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot save nil config")
		log.E.Ln(err)
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(c, "", "    "); chk.E(err) {
		return
	}
	if err = os.WriteFile(filename, b, 0600); chk.E(err) {
		return
	}
	return
}

func (c *Config) Load(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot load into nil config")
		chk.E(err)
		return
	}
	var b []byte
	if b, err = os.ReadFile(filename); chk.E(err) {
		return
	}
	if err = json.Unmarshal(b, c); chk.E(err) {
		return
	}
	return
}

// Merge fills what was not given on the command line from the file.
func (c *Config) Merge(file *Config) {
	if c.SecKey == "" {
		c.SecKey = file.SecKey
	}
	// CLI args on "separate" items add to the ones in the config
	c.Relays = append(c.Relays, file.Relays...)
	c.ReadRelays = append(c.ReadRelays, file.ReadRelays...)
	c.WriteRelays = append(c.WriteRelays, file.WriteRelays...)
	c.Follow = append(c.Follow, file.Follow...)
	c.FollowGraph = c.FollowGraph || file.FollowGraph
	c.CheckSigs = c.CheckSigs || file.CheckSigs
	c.DisableOutbox = c.DisableOutbox || file.DisableOutbox
}
