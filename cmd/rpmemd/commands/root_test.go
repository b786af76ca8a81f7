package commands

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/openpmem/rpmem/internal/wire"
	"github.com/stretchr/testify/assert"
)

func TestExitCodeMapsWireStatus(t *testing.T) {
	err := wire.NewError(wire.StatusNoExist)
	assert.Equal(t, int(syscall.ENOENT), ExitCode(err))
}

func TestExitCodeMapsWrappedErrno(t *testing.T) {
	err := fmt.Errorf("rpmemd: remove foo: %w", syscall.EACCES)
	assert.Equal(t, int(syscall.EACCES), ExitCode(err))
}

func TestExitCodeCleanExit(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
}

func TestExitCodeFallsBackToOne(t *testing.T) {
	assert.Equal(t, 1, ExitCode(fmt.Errorf("some other failure")))
}
