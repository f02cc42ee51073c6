package firewall

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff"},
		{"AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff"},
		{"aa-bb-cc-dd-ee-ff", "aa:bb:cc:dd:ee:ff"},
		{"aabb.ccdd.eeff", "aa:bb:cc:dd:ee:ff"},
		{" aabbccddeeff ", "aa:bb:cc:dd:ee:ff"},
	}
	for _, tt := range tests {
		got, err := NormalizeMAC(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"", "aa:bb:cc:dd:ee", "gg:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff; reboot"} {
		_, err := NormalizeMAC(bad)
		assert.ErrorIs(t, err, ErrInvalidDevice, bad)
	}
}

func TestNewScriptEnactorRequiresCommands(t *testing.T) {
	_, err := NewScriptEnactor(ScriptConfig{AdmitCommand: []string{"true"}}, nil)
	require.Error(t, err)
}

func TestScriptEnactor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	admitted := filepath.Join(dir, "admitted")
	revoked := filepath.Join(dir, "revoked")

	// sh -c receives the MAC as $0.
	e, err := NewScriptEnactor(ScriptConfig{
		AdmitCommand:  []string{"sh", "-c", `printf '%s' "$0" > ` + admitted},
		RevokeCommand: []string{"sh", "-c", `printf '%s' "$0" > ` + revoked},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.TestConnection(ctx))

	require.NoError(t, e.Admit(ctx, "AA-BB-CC-DD-EE-FF"))
	got, err := os.ReadFile(admitted)
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", string(got))

	require.NoError(t, e.Revoke(ctx, "aa:bb:cc:dd:ee:ff"))
	got, err = os.ReadFile(revoked)
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", string(got))
}

func TestScriptEnactorFailures(t *testing.T) {
	ctx := context.Background()

	e, err := NewScriptEnactor(ScriptConfig{
		AdmitCommand:  []string{"sh", "-c", "echo 'no such chain' >&2; exit 3"},
		RevokeCommand: []string{"sh", "-c", "exec sleep 5"},
		Timeout:       100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	err = e.Admit(ctx, "aa:bb:cc:dd:ee:ff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such chain")

	start := time.Now()
	err = e.Revoke(ctx, "aa:bb:cc:dd:ee:ff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)

	err = e.Admit(ctx, "not-a-mac")
	require.ErrorIs(t, err, ErrInvalidDevice)
}

func TestScriptEnactorTestConnection(t *testing.T) {
	e, err := NewScriptEnactor(ScriptConfig{
		AdmitCommand:  []string{"/nonexistent/allow_mac.sh"},
		RevokeCommand: []string{"true"},
	}, nil)
	require.NoError(t, err)
	require.Error(t, e.TestConnection(context.Background()))
}

func TestNewOpenNDSEnactorRequiresCredentials(t *testing.T) {
	_, err := NewOpenNDSEnactor(OpenNDSConfig{Address: "192.168.1.1"}, nil)
	require.Error(t, err)

	e, err := NewOpenNDSEnactor(OpenNDSConfig{Address: "192.168.1.1", Password: "secret"}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, e.Admit(context.Background(), "bogus"), ErrInvalidDevice)
}
