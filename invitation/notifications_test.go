package invitation

import (
	"testing"
	"time"

	"github.com/companyzero/groupinvite/internal/assert"
)

// TestNotificationRegistration tests registering and unregistering handlers.
func TestNotificationRegistration(t *testing.T) {
	t.Parallel()
	nmgr := NewNotificationManager()

	syncCalls := make(chan struct{}, 5)
	asyncCalls := make(chan struct{}, 5)
	syncReg := nmgr.RegisterSync(onTestNtfn(func() { syncCalls <- struct{}{} }))
	asyncReg := nmgr.Register(onTestNtfn(func() { asyncCalls <- struct{}{} }))

	nmgr.notifyTest()
	assert.ChanWritten(t, syncCalls)
	assert.ChanWritten(t, asyncCalls)

	assert.BoolIs(t, syncReg.Unregister(), true)
	assert.BoolIs(t, syncReg.Unregister(), false)
	nmgr.notifyTest()
	assert.ChanNotWritten(t, syncCalls, 100*time.Millisecond)
	assert.ChanWritten(t, asyncCalls)

	assert.BoolIs(t, asyncReg.Unregister(), true)
	nmgr.notifyTest()
	assert.ChanNotWritten(t, asyncCalls, 100*time.Millisecond)
}
