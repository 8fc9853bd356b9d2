package cli

import (
	"bytes"
	"testing"
)

func TestVerifyCommand(t *testing.T) {
	// The kept attempt of sampleReport passes 2/3 steps with no regressions.
	tt := map[string]struct {
		args    []string
		wantErr bool
	}{
		"rate below success rate": {
			args: []string{"--rate", "0.5"},
		},
		"exact rate": {
			args: []string{"--rate", "0.6666666666666666"},
		},
		"rate above success rate": {
			args:    []string{"--rate", "0.8"},
			wantErr: true,
		},
		"default requires every step": {
			wantErr: true,
		},
		"no regressions allowed": {
			args: []string{"--rate", "0.5", "--max-regressions", "0"},
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			filePath := createTestResultsFile(t, sampleReport())

			cmd := NewVerifyCmd()
			cmd.SetArgs(append([]string{filePath}, tc.args...))

			buf := new(bytes.Buffer)
			cmd.SetOut(buf)

			err := cmd.Execute()
			if tc.wantErr && err == nil {
				t.Errorf("verify command should fail, output:\n%s", buf.String())
			}
			if !tc.wantErr && err != nil {
				t.Errorf("verify command should pass, got error: %v", err)
			}
		})
	}
}

func TestVerifyCommandAllPassed(t *testing.T) {
	filePath := createTestResultsFile(t, sampleReportImproved())

	cmd := NewVerifyCmd()
	cmd.SetArgs([]string{filePath})

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)

	if err := cmd.Execute(); err != nil {
		t.Errorf("verify command should pass when every step passes, got error: %v", err)
	}
}

func TestVerifyCommandFileNotFound(t *testing.T) {
	cmd := NewVerifyCmd()
	cmd.SetArgs([]string{"/nonexistent/path/results.json", "--rate", "0.5"})

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)

	err := cmd.Execute()
	if err == nil {
		t.Error("verify command should fail with nonexistent file")
	}
}
