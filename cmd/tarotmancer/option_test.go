package main

import (
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawCmd_Flags(t *testing.T) {
	type testCase struct {
		name      string
		args      []string
		wantPlain bool
		wantStep  time.Duration
		wantKind  string
	}

	cases := []testCase{
		{name: "defaults", args: []string{}, wantStep: 250 * time.Millisecond},
		{name: "plain with kind", args: []string{"--plain", "celtic"}, wantPlain: true, wantStep: 250 * time.Millisecond, wantKind: "celtic"},
		{name: "instant", args: []string{"--step", "0s", "3"}, wantKind: "3"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &DrawCmd{}
			parser := flags.NewParser(cmd, flags.HelpFlag|flags.PassDoubleDash)
			_, err := parser.ParseArgs(tc.args)
			require.NoError(t, err)
			assert.Equal(t, tc.wantPlain, cmd.Plain)
			assert.Equal(t, tc.wantStep, cmd.Step)
			assert.Equal(t, tc.wantKind, cmd.Args.Kind)
		})
	}
}

func TestHistoryCmd_Flags(t *testing.T) {
	cmd := &HistoryCmd{}
	parser := flags.NewParser(cmd, flags.HelpFlag|flags.PassDoubleDash)
	_, err := parser.ParseArgs([]string{"--local", "-n", "5", "--delete", "draw-1"})
	require.NoError(t, err)
	assert.True(t, cmd.Local)
	assert.Equal(t, 5, cmd.Limit)
	assert.Equal(t, "draw-1", cmd.Delete)
}

func TestRun_UnknownSpread(t *testing.T) {
	assert.Equal(t, 1, run([]string{"draw", "--plain", "pentagram"}))
	assert.Equal(t, 0, run([]string{"--help"}))
}
