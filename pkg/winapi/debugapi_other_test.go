//go:build !windows

package winapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/watdbg/watdbg/pkg/debugerrors"
)

// TestStubDebugAPIReportsUnsupported confirms the non-Windows stub satisfies DebugAPI
// and fails the process, event and memory calls with the documented errors, rather than
// panicking or silently succeeding, so a session built against it fails fast and
// legibly; CloseHandle is the one call that succeeds.
func TestStubDebugAPIReportsUnsupported(t *testing.T) {
	api := New()

	_, err := api.CreateProcessForDebug(context.Background(), "x.exe", nil, "")
	assert.True(t, errors.Is(err, debugerrors.ErrProcessCreation))

	_, err = api.WaitForDebugEvent(100)
	assert.True(t, errors.Is(err, debugerrors.ErrDebugEvent))

	_, err = api.ReadProcessMemory(1, 0x1000, 4)
	var memErr *debugerrors.MemoryAccessError
	assert.ErrorAs(t, err, &memErr)
	assert.False(t, memErr.Write)

	err = api.WriteProcessMemory(1, 0x1000, []byte{1, 2, 3, 4})
	assert.ErrorAs(t, err, &memErr)
	assert.True(t, memErr.Write)

	assert.NoError(t, api.CloseHandle(1))
}
