package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/leaneb/SnedBot/sned"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := sned.Version
	originalCommitSHA := sned.CommitSHA
	originalBuildTime := sned.BuildTime

	t.Cleanup(
		func() {
			sned.Version = originalVersion
			sned.CommitSHA = originalCommitSHA
			sned.BuildTime = originalBuildTime
		},
	)

	sned.Version = "1.0.0"
	sned.CommitSHA = "abc123"
	sned.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", output)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		sned.Version,
		sned.CommitSHA,
		sned.BuildTime,
	)
	assert.Equal(t, expected, output)
}
