package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignMD5(t *testing.T) {
	// md5("s" + "{}" + "100")
	sign := SignMD5("s", "{}", "100")
	assert.Len(t, sign, 32)
	assert.Equal(t, sign, SignMD5("s", "{}", "100"))
	assert.NotEqual(t, sign, SignMD5("s", "{}", "101"))
	assert.NotEqual(t, sign, SignMD5("t", "{}", "100"))

	assert.True(t, CheckSignMD5("s", "{}", "100", sign))
	assert.False(t, CheckSignMD5("s", "{ }", "100", sign))
	assert.False(t, CheckSignMD5("s", "{}", "100", ""))
}
