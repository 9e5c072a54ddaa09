package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	authority := NewAuthority("test-signing-key", time.Hour)

	creds, err := authority.Issue("did:loom:exec-1", "executor",
		[]string{"file_write", "code_exec"}, []string{"workspace_access"})
	require.NoError(t, err)
	require.NotEmpty(t, creds.Token)

	verified, err := authority.Verify(creds.Token)
	require.NoError(t, err)
	assert.Equal(t, "did:loom:exec-1", verified.DID)
	assert.Equal(t, "executor", verified.AgentType)
	assert.Equal(t, []string{"file_write", "code_exec"}, verified.Capabilities)
	assert.Equal(t, []string{"workspace_access"}, verified.CredentialTypes)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issuing := NewAuthority("key-one", time.Hour)
	verifying := NewAuthority("key-two", time.Hour)

	creds, err := issuing.Issue("did:loom:a", "observer", nil, nil)
	require.NoError(t, err)

	_, err = verifying.Verify(creds.Token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	authority := NewAuthority("key", time.Millisecond)

	creds, err := authority.Issue("did:loom:a", "observer", nil, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = authority.Verify(creds.Token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	authority := NewAuthority("key", time.Hour)
	_, err := authority.Verify("not-a-token")
	assert.Error(t, err)
}

func TestHasCapability(t *testing.T) {
	creds := &Credentials{Capabilities: []string{"file_write"}}

	assert.True(t, creds.HasCapability(""))
	assert.True(t, creds.HasCapability("file_write"))
	assert.False(t, creds.HasCapability("network_access"))
}

func TestSatisfies(t *testing.T) {
	creds := &Credentials{CredentialTypes: []string{"workspace_access", "db_read"}}

	assert.True(t, creds.Satisfies(nil))
	assert.True(t, creds.Satisfies([]string{"db_read"}))
	assert.True(t, creds.Satisfies([]string{"workspace_access", "db_read"}))
	assert.False(t, creds.Satisfies([]string{"admin"}))
}

func TestCredentialRefsOmitToken(t *testing.T) {
	creds := &Credentials{DID: "did:loom:x", CredentialTypes: []string{"workspace_access"}, Token: "secret"}

	refs := creds.Refs()
	require.Len(t, refs, 1)
	assert.Equal(t, "cred:did:loom:x:workspace_access", refs[0])
}
