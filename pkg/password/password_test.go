package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndCheck(t *testing.T) {
	hashed, err := Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hashed)

	ok, err := Check("correct horse battery staple", hashed)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check("wrong password", hashed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashRejectsEmptyPassword(t *testing.T) {
	_, err := Hash("")
	assert.Error(t, err)
}

func TestCheckRejectsEmptyInput(t *testing.T) {
	_, err := Check("", "hash")
	assert.Error(t, err)
	_, err = Check("password", "")
	assert.Error(t, err)
}

func TestNeedsRehash(t *testing.T) {
	weak, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, NeedsRehash(string(weak)))

	current, err := Hash("password")
	require.NoError(t, err)
	assert.False(t, NeedsRehash(current))

	assert.True(t, NeedsRehash("not a bcrypt hash"))
}
