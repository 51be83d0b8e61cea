package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowAll(t *testing.T) {
	var p AllowAll
	require.True(t, p.CanOwn(false, "any.name"))
	require.True(t, p.CanOwn(true, "any.name"))
}

func TestNewPrefixChecker_EmptyIsAllowAll(t *testing.T) {
	p := NewPrefixChecker(nil)
	require.True(t, p.CanOwn(false, "org.whatever"))
}

func TestPrefixChecker(t *testing.T) {
	p := NewPrefixChecker([]string{"com.example", "org.test"})

	require.True(t, p.CanOwn(false, "com.example"))
	require.True(t, p.CanOwn(false, "com.example.Service"))
	require.True(t, p.CanOwn(false, "org.test.a.b"))

	require.False(t, p.CanOwn(false, "com.examples"), "prefix match is element-wise")
	require.False(t, p.CanOwn(false, "org.outside"))

	require.True(t, p.CanOwn(true, "org.outside"), "privileged bypasses rules")
}
