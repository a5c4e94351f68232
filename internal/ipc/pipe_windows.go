//go:build windows

package ipc

import (
	"fmt"
	"net"

	winio "github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// EndpointName returns the per-user named-pipe path, derived from the
// current user's security identifier so different OS users never
// collide.
func EndpointName() (string, error) {
	sid, err := currentUserSID()
	if err != nil {
		return "", fmt.Errorf("resolving current user SID: %w", err)
	}
	return `\\.\pipe\excelmcp-` + sid, nil
}

func currentUserSID() (string, error) {
	token := windows.GetCurrentProcessToken()
	user, err := token.GetTokenUser()
	if err != nil {
		return "", err
	}
	sid, err := user.User.Sid.String()
	if err != nil {
		return "", err
	}
	return sid, nil
}

// Listen creates the named pipe with an ACL granting full control only
// to the current user's SID.
func Listen(name string) (net.Listener, error) {
	sid, err := currentUserSID()
	if err != nil {
		return nil, err
	}
	sddl := fmt.Sprintf("D:P(A;;GA;;;%s)", sid)

	l, err := winio.ListenPipe(name, &winio.PipeConfig{
		SecurityDescriptor: sddl,
		MessageMode:        false,
		InputBufferSize:    65536,
		OutputBufferSize:   65536,
	})
	if err != nil {
		return nil, fmt.Errorf("listening on named pipe %s: %w", name, err)
	}
	return l, nil
}
