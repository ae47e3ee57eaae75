package netutil

import (
	"net"
	"time"
)

// DefaultKeepAlivePeriod matches the OS default most platforms use when
// keep-alive is merely toggled on without an explicit period.
const DefaultKeepAlivePeriod = 15 * time.Second

// SetTCPKeepAlive enables or disables OS-level TCP keep-alive on conn, if
// conn is backed by a *net.TCPConn. It is a no-op (returning nil) for any
// other conn type, since UDP-backed streams have no analogous knob.
//
// This uses the stdlib's net.TCPConn methods rather than golang.org/x/sys:
// the teacher's own use of x/sys is confined to Windows console-mode setup
// in cmd/atlas/main_windows.go, not socket options, so there is nothing to
// imitate there for keep-alive specifically (see DESIGN.md).
func SetTCPKeepAlive(conn net.Conn, enable bool) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(enable); err != nil {
		return err
	}
	if enable {
		return tc.SetKeepAlivePeriod(DefaultKeepAlivePeriod)
	}
	return nil
}
