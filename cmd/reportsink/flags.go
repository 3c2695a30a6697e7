package main

import "time"

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	Listen     string
	PIDFile    string
	Watch      bool
}

// ClientFlags are shared by the commands that talk to a running server.
type ClientFlags struct {
	URL      string
	Token    string
	Source   string
	Timeout  time.Duration
	Insecure bool
	CACert   string
	JSON     bool
}

// SendFlags builds a report from flags when no JSON body is given.
type SendFlags struct {
	File   string
	Agent  string
	Status string
	Tasks  int
	Date   string
	Fields []string
}

type ListFlags struct {
	Limit int
}

type HashTokenFlags struct {
	Token string
	Cost  int
}
