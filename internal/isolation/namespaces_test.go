package isolation

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneFlags(t *testing.T) {
	all := Namespaces{User: true, Mount: true, PID: true, UTS: true, IPC: true, Net: true}
	flags := cloneFlags(all)
	require.NotZero(t, flags&syscall.CLONE_NEWNS)
	require.NotZero(t, flags&syscall.CLONE_NEWPID)
	require.NotZero(t, flags&syscall.CLONE_NEWUTS)
	require.NotZero(t, flags&syscall.CLONE_NEWIPC)
	require.NotZero(t, flags&syscall.CLONE_NEWNET)
	require.NotZero(t, flags&syscall.CLONE_NEWUSER)

	require.Zero(t, cloneFlags(Namespaces{}))
}

func TestSysProcAttrOmitsMappingWithoutUserNamespace(t *testing.T) {
	p := &Profile{Namespaces: Namespaces{Mount: true}, CloneFlags: cloneFlags(Namespaces{Mount: true})}
	attr := p.SysProcAttr()
	require.Nil(t, attr.UidMappings)
	require.Nil(t, attr.GidMappings)
}

func TestSysProcAttrMapsSelfWithUserNamespace(t *testing.T) {
	ns := Namespaces{User: true, Mount: true}
	p := &Profile{Namespaces: ns, CloneFlags: cloneFlags(ns)}
	attr := p.SysProcAttr()
	require.Len(t, attr.UidMappings, 1)
	require.Equal(t, attr.UidMappings[0].ContainerID, attr.UidMappings[0].HostID)
}
