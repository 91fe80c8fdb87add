package privilege

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsElevatedMatchesEUID(t *testing.T) {
	assert.Equal(t, os.Geteuid() == 0, IsElevated())
}

func TestRunningUnderSudo(t *testing.T) {
	orig, had := os.LookupEnv("SUDO_USER")
	t.Cleanup(func() {
		if had {
			os.Setenv("SUDO_USER", orig)
		} else {
			os.Unsetenv("SUDO_USER")
		}
	})

	os.Unsetenv("SUDO_USER")
	assert.False(t, RunningUnderSudo())

	os.Setenv("SUDO_USER", "operator")
	assert.True(t, RunningUnderSudo())
}
