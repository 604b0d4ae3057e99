package util

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNameAndVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.False(t, strings.ContainsAny(version, " \n"), "version must be trimmed")
	assert.Equal(t, "agora / "+version, GetNameAndVersion())
	assert.Equal(t, "agora/"+version+" (+https://forum.example)", UserAgent("forum.example"))
}

func TestPrettyPrint(t *testing.T) {
	out := PrettyPrint(map[string]int{"a": 1})
	assert.Equal(t, "{\n \"a\": 1\n}", out)
}

func TestGeneratePemKeypair(t *testing.T) {
	keypair, err := GeneratePemKeypair(1024)
	require.NoError(t, err)

	privBlock, _ := pem.Decode([]byte(keypair.Private))
	require.NotNil(t, privBlock)
	assert.Equal(t, "RSA PRIVATE KEY", privBlock.Type)
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	require.NoError(t, err)

	pubBlock, _ := pem.Decode([]byte(keypair.Public))
	require.NotNil(t, pubBlock)
	assert.Equal(t, "PUBLIC KEY", pubBlock.Type)
	pub, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	require.NoError(t, err)

	rsaPub, ok := pub.(*rsa.PublicKey)
	require.True(t, ok)
	assert.True(t, priv.PublicKey.Equal(rsaPub))
}

func TestGeneratePemKeypairUniqueness(t *testing.T) {
	keypair1, err := GeneratePemKeypair(1024)
	require.NoError(t, err)
	keypair2, err := GeneratePemKeypair(1024)
	require.NoError(t, err)

	assert.NotEqual(t, keypair1.Private, keypair2.Private)
	assert.NotEqual(t, keypair1.Public, keypair2.Public)
}
