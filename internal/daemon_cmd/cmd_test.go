package daemon_cmd

import (
	"bytes"
	"strings"
	"testing"
)

const (
	expectedHelpOutput = `NPU management daemon

Usage:
  npud [flags]

Examples:
npud --config /etc/npud/config.local.yaml

Flags:
      --config string   path to a local configuration file layered over /etc/npud/config.yaml
  -h, --help            help for npud
`
)

func safeError(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func TestDaemonCommand(t *testing.T) {
	tests := []struct {
		description    string
		args           []string
		expectedResult string
		expectedError  error
	}{
		{
			description:    "test cmd -h",
			args:           []string{"-h"},
			expectedResult: expectedHelpOutput,
			expectedError:  nil,
		},
	}

	for _, tc := range tests {
		cmd := NewDaemonCommand()

		buf := new(bytes.Buffer)
		cmd.SetOut(buf)
		cmd.SetErr(buf)
		cmd.SetArgs(tc.args)

		err := cmd.Execute()
		if err != nil || tc.expectedError != nil {
			if strings.TrimSpace(safeError(err)) != strings.TrimSpace(safeError(tc.expectedError)) {
				t.Errorf("expected %t but got actual %t", err, tc.expectedError)
			}
		}

		output := buf.String()

		if strings.TrimSpace(output) != strings.TrimSpace(tc.expectedResult) {
			t.Errorf("actual result does not match to expected result")
			println("actual: ", output)
		}
	}
}
