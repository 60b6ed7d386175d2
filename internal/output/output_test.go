package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	ui, out, errOut := newTestUI()
	ui.Info("session %s started", "abc")
	assert.Contains(t, out.String(), "session abc started")
	assert.Empty(t, errOut.String())
}

func TestSuccess(t *testing.T) {
	ui, out, _ := newTestUI()
	ui.Success("done")
	assert.Contains(t, out.String(), "done")
}

func TestWarning(t *testing.T) {
	ui, out, errOut := newTestUI()
	ui.Warning("pool empty")
	assert.Contains(t, errOut.String(), "pool empty")
	assert.Empty(t, out.String())
}

func TestError(t *testing.T) {
	ui, _, errOut := newTestUI()
	ui.Error("spawn failed: %v", assert.AnError)
	assert.Contains(t, errOut.String(), "spawn failed")
}

func TestVerboseLog(t *testing.T) {
	ui, out, _ := newTestUI()

	ui.VerboseLog("hidden")
	assert.Empty(t, out.String())

	ui.Verbose = true
	ui.VerboseLog("shown")
	assert.Contains(t, out.String(), "shown")
}

func TestDryRunMsg(t *testing.T) {
	ui, _, errOut := newTestUI()

	ui.DryRunMsg("would kill sandbox")
	assert.Empty(t, errOut.String())

	ui.DryRun = true
	ui.DryRunMsg("would kill sandbox")
	assert.Contains(t, errOut.String(), "[DRY-RUN] would kill sandbox")
}

func TestStatusColor(t *testing.T) {
	tests := []struct {
		status string
	}{
		{"pending"}, {"warming"}, {"running"}, {"ready"},
		{"completed"}, {"claimed"}, {"failed"}, {"expired"}, {"cancelled"},
	}
	for _, tt := range tests {
		assert.Contains(t, StatusColor(tt.status), tt.status)
	}

	// Unknown statuses pass through unstyled.
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestTable(t *testing.T) {
	ui, out, _ := newTestUI()
	table := ui.Table([]string{"SESSION", "STATUS"})
	table.Append([]string{"abc", "running"})
	table.Render()

	got := out.String()
	assert.Contains(t, got, "SESSION")
	assert.Contains(t, got, "running")
}
