package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	t.Setenv("CFG_STRING", "kafka:9092")
	assert.Equal(t, "kafka:9092", String("CFG_STRING", "localhost:9092"))
	assert.Equal(t, "fallback", String("CFG_STRING_UNSET", "fallback"))
}

func TestIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("CFG_INT", "7")
	assert.Equal(t, 7, Int("CFG_INT", 3))

	t.Setenv("CFG_INT", "seven")
	assert.Equal(t, 3, Int("CFG_INT", 3))
}

func TestDuration(t *testing.T) {
	t.Setenv("CFG_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, Duration("CFG_DURATION", time.Second))

	t.Setenv("CFG_DURATION", "soon")
	assert.Equal(t, time.Second, Duration("CFG_DURATION", time.Second))
}

func TestBool(t *testing.T) {
	t.Setenv("CFG_BOOL", "true")
	assert.True(t, Bool("CFG_BOOL", false))
	assert.False(t, Bool("CFG_BOOL_UNSET", false))
}

func TestList(t *testing.T) {
	t.Setenv("CFG_LIST", "a:9092, b:9092,,")
	assert.Equal(t, []string{"a:9092", "b:9092"}, List("CFG_LIST", nil))

	t.Setenv("CFG_LIST", " , ")
	assert.Equal(t, []string{"x"}, List("CFG_LIST", []string{"x"}))
}
