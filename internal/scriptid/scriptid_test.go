package scriptid_test

import (
	"testing"
	"time"

	"github.com/openbmc/acfshell/internal/scriptid"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     string
	}{
		// sha256("") = e3b0c44298fc1c149afbf4c8996fb924...
		{"empty", "", "e3b0c44298fc1c14"},
		// sha256("abc") = ba7816bf8f01cfea414140de5dae2223...
		{"abc", "abc", "ba7816bf8f01cfea"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			id, err := scriptid.Hash([]byte(tc.given))
			require.NoError(t, err)
			require.Equal(t, tc.then, id)
			require.True(t, scriptid.Valid(id))
		})
	}
}

func TestHashDeterministic(t *testing.T) {
	t.Parallel()
	script := []byte("#!/bin/bash\necho hello\n")
	a, err := scriptid.Hash(script)
	require.NoError(t, err)
	b, err := scriptid.Hash(script)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, scriptid.Length)
}

func TestNewSalted(t *testing.T) {
	t.Parallel()
	script := "echo hello"
	now := time.Unix(1700000000, 0)

	a, err := scriptid.New(now, script)
	require.NoError(t, err)
	again, err := scriptid.New(now, script)
	require.NoError(t, err)
	require.Equal(t, a, again)

	b, err := scriptid.New(now.Add(time.Nanosecond), script)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	plain, err := scriptid.Hash([]byte(script))
	require.NoError(t, err)
	require.NotEqual(t, plain, a)
}

func TestValid(t *testing.T) {
	t.Parallel()
	require.True(t, scriptid.Valid("0123456789abcdef"))
	require.False(t, scriptid.Valid("0123456789ABCDEF"))
	require.False(t, scriptid.Valid("0123456789abcde"))
	require.False(t, scriptid.Valid("../../etc/passwd"))
	require.False(t, scriptid.Valid(""))
}
