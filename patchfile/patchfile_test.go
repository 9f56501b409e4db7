package patchfile

import (
	"testing"

	"github.com/pgaskin/ilpatch/host"
	"github.com/stretchr/testify/assert"
)

func TestHookSet(t *testing.T) {
	hs := HookSet{
		Pre:  map[string]host.PreHook{"Veto": func(*host.Frame) (bool, error) { return false, nil }},
		Post: map[string]host.PostHook{"Nil": nil},
	}
	_, err := hs.PreHook("Veto")
	assert.NoError(t, err)
	_, err = hs.PreHook("Missing")
	assert.EqualError(t, err, "no pre-hook called 'Missing'")
	_, err = hs.PostHook("Nil")
	assert.Error(t, err)
}

func TestReadFromFileUnknownFormat(t *testing.T) {
	_, err := ReadFromFile("nonexistent", "whatever.yaml")
	assert.EqualError(t, err, "no format called 'nonexistent'")
	_, ok := GetFormat("nonexistent")
	assert.False(t, ok)
}
