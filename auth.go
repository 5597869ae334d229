package main

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
)

// SignMD5 signs an operator request: md5(secret + data + timestamp).
func SignMD5(secret, data, timestamp string) string {
	h := md5.New()
	h.Write([]byte(secret + data + timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

func CheckSignMD5(secret, data, timestamp, pk string) bool {
	return subtle.ConstantTimeCompare([]byte(SignMD5(secret, data, timestamp)), []byte(pk)) == 1
}
