package invitation

import (
	"fmt"
	"sync"

	"github.com/companyzero/groupinvite/invitation/invitationdb"
	"github.com/companyzero/groupinvite/rpc"
)

// Following are the notification types. Add new types at the bottom of this
// list, then add a notifyX() to NotificationManager and initialize a new
// container in NewNotificationManager().
//
// Notifications are only emitted after the transaction that generated them
// is committed.

const onInvitationReceivedNtfnType = "onInvitationReceived"

// OnInvitationReceivedNtfn is called when a contact invites the local client
// into a private group.
type OnInvitationReceivedNtfn func(contact *invitationdb.Contact, inv Invitation)

func (_ OnInvitationReceivedNtfn) typ() string { return onInvitationReceivedNtfnType }

const onInvitationResponseNtfnType = "onInvitationResponse"

// OnInvitationResponseNtfn is called on the group creator when an invited
// contact accepts or declines an invitation.
type OnInvitationResponseNtfn func(contact *invitationdb.Contact, groupID rpc.GroupID, accepted bool)

func (_ OnInvitationResponseNtfn) typ() string { return onInvitationResponseNtfnType }

const onInvitationSucceededNtfnType = "onInvitationSucceeded"

// OnInvitationSucceededNtfn is called when the local client and the contact
// are both known to be members of a group: an invitation was accepted or a
// peer relationship was revealed on both sides.
type OnInvitationSucceededNtfn func(contact *invitationdb.Contact, groupID rpc.GroupID, role Role)

func (_ OnInvitationSucceededNtfn) typ() string { return onInvitationSucceededNtfnType }

const onInvitationAbortedNtfnType = "onInvitationAborted"

// OnInvitationAbortedNtfn is called when a session with a contact is aborted
// due to a protocol violation.
type OnInvitationAbortedNtfn func(contact *invitationdb.Contact, groupID rpc.GroupID, role Role)

func (_ OnInvitationAbortedNtfn) typ() string { return onInvitationAbortedNtfnType }

// The following is used only in tests.

const onTestNtfnType = "testNtfnType"

type onTestNtfn func()

func (_ onTestNtfn) typ() string { return onTestNtfnType }

// Following is the generic notification code.

type NotificationRegistration struct {
	unreg func() bool
}

func (reg NotificationRegistration) Unregister() bool {
	return reg.unreg()
}

type NotificationHandler interface {
	typ() string
}

type handler[T any] struct {
	handler T
	async   bool
}

type handlersFor[T any] struct {
	mtx      sync.Mutex
	next     uint
	handlers map[uint]handler[T]
}

func (hn *handlersFor[T]) register(h T, async bool) NotificationRegistration {
	var id uint

	hn.mtx.Lock()
	id, hn.next = hn.next, hn.next+1
	if hn.handlers == nil {
		hn.handlers = make(map[uint]handler[T])
	}
	hn.handlers[id] = handler[T]{handler: h, async: async}
	registered := true
	hn.mtx.Unlock()

	return NotificationRegistration{
		unreg: func() bool {
			hn.mtx.Lock()
			res := registered
			if registered {
				delete(hn.handlers, id)
				registered = false
			}
			hn.mtx.Unlock()
			return res
		},
	}
}

func (hn *handlersFor[T]) visit(f func(T)) {
	hn.mtx.Lock()
	for _, h := range hn.handlers {
		if h.async {
			go f(h.handler)
		} else {
			f(h.handler)
		}
	}
	hn.mtx.Unlock()
}

func (hn *handlersFor[T]) Register(v interface{}, async bool) NotificationRegistration {
	h, ok := v.(T)
	if !ok {
		panic("wrong type")
	}
	return hn.register(h, async)
}

type handlersRegistry interface {
	Register(v interface{}, async bool) NotificationRegistration
}

type NotificationManager struct {
	handlers map[string]handlersRegistry
}

func (nmgr *NotificationManager) register(handler NotificationHandler, async bool) NotificationRegistration {
	handlers := nmgr.handlers[handler.typ()]
	if handlers == nil {
		panic(fmt.Sprintf("forgot to init the handler type %T "+
			"in NewNotificationManager", handler))
	}

	return handlers.Register(handler, async)
}

// Register registers a callback notification function that is called
// asynchronously to the event (i.e. in a separate goroutine).
func (nmgr *NotificationManager) Register(handler NotificationHandler) NotificationRegistration {
	return nmgr.register(handler, true)
}

// RegisterSync registers a callback notification function that is called
// synchronously to the event. This callback SHOULD return as soon as possible,
// otherwise the manager may hang.
func (nmgr *NotificationManager) RegisterSync(handler NotificationHandler) NotificationRegistration {
	return nmgr.register(handler, false)
}

// Following are the notifyX() calls (one for each type of notification).

func (nmgr *NotificationManager) notifyTest() {
	nmgr.handlers[onTestNtfnType].(*handlersFor[onTestNtfn]).
		visit(func(h onTestNtfn) { h() })
}

func (nmgr *NotificationManager) notifyInvitationReceived(contact *invitationdb.Contact, inv Invitation) {
	nmgr.handlers[onInvitationReceivedNtfnType].(*handlersFor[OnInvitationReceivedNtfn]).
		visit(func(h OnInvitationReceivedNtfn) { h(contact, inv) })
}

func (nmgr *NotificationManager) notifyInvitationResponse(contact *invitationdb.Contact, groupID rpc.GroupID, accepted bool) {
	nmgr.handlers[onInvitationResponseNtfnType].(*handlersFor[OnInvitationResponseNtfn]).
		visit(func(h OnInvitationResponseNtfn) { h(contact, groupID, accepted) })
}

func (nmgr *NotificationManager) notifyInvitationSucceeded(contact *invitationdb.Contact, groupID rpc.GroupID, role Role) {
	nmgr.handlers[onInvitationSucceededNtfnType].(*handlersFor[OnInvitationSucceededNtfn]).
		visit(func(h OnInvitationSucceededNtfn) { h(contact, groupID, role) })
}

func (nmgr *NotificationManager) notifyInvitationAborted(contact *invitationdb.Contact, groupID rpc.GroupID, role Role) {
	nmgr.handlers[onInvitationAbortedNtfnType].(*handlersFor[OnInvitationAbortedNtfn]).
		visit(func(h OnInvitationAbortedNtfn) { h(contact, groupID, role) })
}

func NewNotificationManager() *NotificationManager {
	return &NotificationManager{
		handlers: map[string]handlersRegistry{
			onTestNtfnType:                &handlersFor[onTestNtfn]{},
			onInvitationReceivedNtfnType:  &handlersFor[OnInvitationReceivedNtfn]{},
			onInvitationResponseNtfnType:  &handlersFor[OnInvitationResponseNtfn]{},
			onInvitationSucceededNtfnType: &handlersFor[OnInvitationSucceededNtfn]{},
			onInvitationAbortedNtfnType:   &handlersFor[OnInvitationAbortedNtfn]{},
		},
	}
}
