package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/aserec/itemdesk/itemdesk"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := itemdesk.Version
	originalCommitSHA := itemdesk.CommitSHA
	originalBuildTime := itemdesk.BuildTime

	t.Cleanup(
		func() {
			itemdesk.Version = originalVersion
			itemdesk.CommitSHA = originalCommitSHA
			itemdesk.BuildTime = originalBuildTime
		},
	)

	itemdesk.Version = "1.0.0"
	itemdesk.CommitSHA = "abc123"
	itemdesk.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		itemdesk.Version,
		itemdesk.CommitSHA,
		itemdesk.BuildTime,
	)
	assert.Equal(t, expected, output)
}
