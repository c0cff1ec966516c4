package main

// Options is the root command. The struct tags are interpreted by
// github.com/jessevdk/go-flags.
type Options struct {
	Config string `short:"f" long:"config" description:"YAML config path (default $TAROT_CONFIG)"`
	UserID string `short:"u" long:"user" description:"user id of a signed-in user"`
	Token  string `short:"t" long:"token" description:"bearer token of a signed-in user"`

	Draw    DrawCmd    `command:"draw" description:"Draw a spread and stream its interpretation"`
	Quota   QuotaCmd   `command:"quota" description:"Show whether a draw is available"`
	History HistoryCmd `command:"history" description:"List or delete past draws"`
}

var opts Options
