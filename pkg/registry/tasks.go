package registry

import (
	"net"

	"github.com/pg9182/pb-mapper/pkg/connid"
)

// task is the sealed set of ManagerTask variants the actor loop accepts.
type task interface{ isTask() }

type registerTask struct {
	key       string
	needCodec bool
	ctl       chan<- ControlEvent
	connID    connid.ID
	reply     chan error
}

type subscribeTask struct {
	key      string
	clientID connid.ID
	reply    chan ClientResult
}

type streamReadyTask struct {
	serverConnID connid.ID
	stream       net.Conn
}

type deregisterServerTask struct {
	key string
}

type deregisterClientTask struct {
	key      string
	clientID connid.ID
}

// StatusOp selects what a Status task should report.
type StatusOp int

const (
	StatusRemoteIDs StatusOp = iota
	StatusKeys
)

// StatusResult is the reply to a Status task.
type StatusResult struct {
	RemoteIDs []connid.ID
	Keys      []string
}

type statusTask struct {
	op    StatusOp
	reply chan StatusResult
}

func (registerTask) isTask()         {}
func (subscribeTask) isTask()        {}
func (streamReadyTask) isTask()      {}
func (deregisterServerTask) isTask() {}
func (deregisterClientTask) isTask() {}
func (statusTask) isTask()           {}

// Register creates a new registration for key, bound to ctl (the channel
// the control-connection goroutine reads ControlEvents from) and connID
// (minted by the caller, typically the rendezvous acceptor). It returns
// ErrAlreadyRegistered if key is already registered.
func (m *Manager) Register(key string, needCodec bool, connID connid.ID, ctl chan<- ControlEvent) error {
	reply := make(chan error, 1)
	m.tasks <- registerTask{key: key, needCodec: needCodec, ctl: ctl, connID: connID, reply: reply}
	return <-reply
}

// Subscribe records clientID as awaiting a stream slot for key and returns
// the channel it will receive results on. The first result is always a
// SubscribeOK or SubscribeFailed; if SubscribeOK, a StreamReady or a later
// SubscribeFailed (on server deregistration) follows.
func (m *Manager) Subscribe(key string, clientID connid.ID) <-chan ClientResult {
	reply := make(chan ClientResult, 2)
	m.tasks <- subscribeTask{key: key, clientID: clientID, reply: reply}
	return reply
}

// StreamReady reports that the data leg for serverConnID's oldest pending
// subscriber has arrived. If there is no matching registration or no
// pending subscriber, stream is closed immediately.
func (m *Manager) StreamReady(serverConnID connid.ID, stream net.Conn) {
	m.tasks <- streamReadyTask{serverConnID: serverConnID, stream: stream}
}

// DeregisterServer removes key's registration, whichever connection holds
// it (the caller's ownership is not checked), and fails out every current
// subscriber.
func (m *Manager) DeregisterServer(key string) {
	m.tasks <- deregisterServerTask{key: key}
}

// DeregisterClient removes clientID's subscriber bookkeeping for key. It is
// idempotent and safe to call even if the registration or subscriber no
// longer exists.
//
// The send is non-blocking: if the manager's task channel is saturated,
// the failure is the caller's responsibility to log, matching the
// ClientConnGuard's "send is non-blocking, failure is logged, not retried"
// policy.
func (m *Manager) DeregisterClient(key string, clientID connid.ID) bool {
	select {
	case m.tasks <- deregisterClientTask{key: key, clientID: clientID}:
		return true
	default:
		return false
	}
}

// Status queries registry-wide state for the status CLI.
func (m *Manager) Status(op StatusOp) StatusResult {
	reply := make(chan StatusResult, 1)
	m.tasks <- statusTask{op: op, reply: reply}
	return <-reply
}
