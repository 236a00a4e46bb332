package mux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeman/codeman/internal/common/logger"
)

func TestSessionName(t *testing.T) {
	assert.Equal(t, "codeman-0a1b2c3d", SessionName("0a1b2c3d-4e5f-6789-abcd-ef0123456789"))
	assert.Equal(t, "codeman-abc", SessionName("abc"))
}

func TestIsManagedName(t *testing.T) {
	assert.True(t, IsManagedName("codeman-0a1b2c3d"))
	assert.False(t, IsManagedName("work"))
	assert.Equal(t, "0a1b2c3d", ShortID("codeman-0a1b2c3d"))
}

// fakeRun records tmux invocations and replays canned responses.
type fakeRun struct {
	calls [][]string
	out   []byte
	err   error
}

func (f *fakeRun) run(args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	return f.out, f.err
}

func newFakeTmux(out []byte, err error) (*Tmux, *fakeRun) {
	f := &fakeRun{out: out, err: err}
	tm := NewTmux(logger.Default())
	tm.run = f.run
	return tm, f
}

func TestTmuxSendTextIsLiteral(t *testing.T) {
	tm, f := newFakeTmux(nil, nil)
	require.NoError(t, tm.SendText("codeman-abc", "-rf; echo $HOME"))

	require.Len(t, f.calls, 1)
	assert.Equal(t, []string{"send-keys", "-t", "codeman-abc", "-l", "--", "-rf; echo $HOME"}, f.calls[0])
}

func TestTmuxSendEnterSeparateCall(t *testing.T) {
	tm, f := newFakeTmux(nil, nil)
	require.NoError(t, tm.SendEnter("codeman-abc"))

	require.Len(t, f.calls, 1)
	assert.Equal(t, []string{"send-keys", "-t", "codeman-abc", "Enter"}, f.calls[0])
}

func TestTmuxMissingSessionMapsToSessionGone(t *testing.T) {
	tm, _ := newFakeTmux([]byte("can't find session: codeman-abc"), errors.New("exit status 1"))

	err := tm.SendText("codeman-abc", "hello")
	assert.ErrorIs(t, err, ErrSessionGone)

	err = tm.SendEnter("codeman-abc")
	assert.ErrorIs(t, err, ErrSessionGone)
}

func TestTmuxKillMissingSessionIsNil(t *testing.T) {
	tm, _ := newFakeTmux([]byte("session not found: codeman-abc"), errors.New("exit status 1"))
	assert.NoError(t, tm.Kill("codeman-abc"))
}

func TestTmuxListNoServerMeansEmpty(t *testing.T) {
	tm, _ := newFakeTmux([]byte("no server running on /tmp/tmux-0/default"), errors.New("exit status 1"))
	names, err := tm.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestTmuxListParsesNames(t *testing.T) {
	tm, _ := newFakeTmux([]byte("codeman-0a1b2c3d\ncodeman-99887766\nwork\n"), nil)
	names, err := tm.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"codeman-0a1b2c3d", "codeman-99887766", "work"}, names)
}

func TestTmuxAttachArgs(t *testing.T) {
	tm, _ := newFakeTmux(nil, nil)
	assert.Equal(t, []string{"tmux", "attach-session", "-t", "codeman-abc"}, tm.AttachArgs("codeman-abc"))
}

func TestParseScreenList(t *testing.T) {
	out := `There are screens on:
	12345.codeman-0a1b2c3d	(Detached)
	23456.work	(Attached)
2 Sockets in /run/screen/S-root.
`
	names := parseScreenList(out)
	assert.Contains(t, names, "codeman-0a1b2c3d")
	assert.Contains(t, names, "work")
}

func TestDetectUnknownBackend(t *testing.T) {
	_, err := Detect("zellij", logger.Default())
	assert.Error(t, err)
}
